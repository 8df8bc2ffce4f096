package preflight

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

func testSpec(command, logPath string) fleet.Spec {
	return fleet.Spec{
		Host:            "localhost",
		BasePort:        8000,
		Topics:          []int{10, 20, 30},
		CommandTemplate: command,
		LogPathTemplate: logPath,
	}
}

func findCheck(t *testing.T, r *Result, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in results", name)
	return Check{}
}

func TestCheck_String(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  []string
	}{
		{
			name:  "passed_with_required",
			check: Check{Name: "test_check", Required: 100, Actual: 200, Passed: true},
			want:  []string{"✓", "200", "100"},
		},
		{
			name:  "failed_check",
			check: Check{Name: "test_check", Required: 100, Actual: 50},
			want:  []string{"✗"},
		},
		{
			name:  "warning_check",
			check: Check{Name: "test_check", Passed: true, Warning: true, Message: "warning message"},
			want:  []string{"⚠", "warning message"},
		},
		{
			name:  "passed_with_message_only",
			check: Check{Name: "test_check", Passed: true, Message: "all good"},
			want:  []string{"✓", "all good"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.check.String()
			for _, w := range tt.want {
				if !strings.Contains(s, w) {
					t.Errorf("String() = %q, missing %q", s, w)
				}
			}
		})
	}
}

func TestRunAll_ServeCommandFound(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	result := RunAll(testSpec("sh -c 'exit 0' {k} {port}", ""), 8000)

	if c := findCheck(t, result, "serve_command"); !c.Passed {
		t.Errorf("serve_command failed: %s", c.Message)
	}
	if c := findCheck(t, result, "port_range"); !c.Passed || c.Message != "8000-8030" {
		t.Errorf("port_range = %+v", c)
	}
	if len(result.Checks) != 5 {
		t.Errorf("got %d checks, want 5", len(result.Checks))
	}
}

func TestRunAll_ServeCommandMissing(t *testing.T) {
	result := RunAll(testSpec("/nonexistent/topicexplorer serve -p {port}", ""), 8000)

	c := findCheck(t, result, "serve_command")
	if c.Passed {
		t.Error("serve_command should fail for a missing executable")
	}
	if !strings.Contains(c.Message, "not found") {
		t.Errorf("Message = %q", c.Message)
	}
	if result.Passed {
		t.Error("Result should fail when the serve command is missing")
	}
	if len(result.Failed()) == 0 {
		t.Error("Failed() is empty")
	}
}

func TestRunAll_PortRangeOverflow(t *testing.T) {
	result := RunAll(testSpec("/bin/true", ""), 65500)

	c := findCheck(t, result, "port_range")
	if c.Passed {
		t.Error("port_range should fail when base+max(K) > 65535")
	}
	if !strings.Contains(c.Message, "65535") {
		t.Errorf("Message = %q", c.Message)
	}
}

func TestRunAll_FileDescriptorCheck(t *testing.T) {
	result := RunAll(testSpec("/bin/true", ""), 8000)

	c := findCheck(t, result, "file_descriptors")
	if c.Warning {
		t.Skip("rlimit unavailable")
	}
	if c.Actual <= 0 {
		t.Errorf("Actual FD limit should be positive: %d", c.Actual)
	}
	if c.Required != 3*2+32 {
		t.Errorf("Required = %d", c.Required)
	}
}

func TestCheckLogDir(t *testing.T) {
	t.Run("relay", func(t *testing.T) {
		if c := checkLogDir(testSpec("x", "")); !c.Passed {
			t.Errorf("relay mode failed: %s", c.Message)
		}
	})

	t.Run("creates_dirs", func(t *testing.T) {
		dir := t.TempDir()
		spec := testSpec("x", filepath.Join(dir, "logs", "k{k}", "serve.log"))

		c := checkLogDir(spec)
		if !c.Passed {
			t.Fatalf("log_dir failed: %s", c.Message)
		}
		for _, k := range spec.Topics {
			if _, err := os.Stat(filepath.Dir(spec.LogPath(k))); err != nil {
				t.Errorf("dir for K=%d: %v", k, err)
			}
		}
	})

	t.Run("not_writable", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		if err := os.WriteFile(blocker, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		c := checkLogDir(testSpec("x", filepath.Join(blocker, "k{k}.log")))
		if c.Passed {
			t.Error("log_dir should fail below a regular file")
		}
	})
}

func TestProcessLimitCheck(t *testing.T) {
	tests := []struct {
		name       string
		actual     int
		err        error
		wantPassed bool
		wantWarn   bool
	}{
		{"enough", 4096, nil, true, false},
		{"too_low", 20, nil, false, false},
		{"unlimited", math.MaxInt32, nil, true, false},
		{"unknown", 0, nil, true, true},
		{"error", 0, errors.New("getrlimit: not supported"), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := processLimitCheck(tt.actual, tt.err, 10)
			if c.Passed != tt.wantPassed || c.Warning != tt.wantWarn {
				t.Errorf("got %+v", c)
			}
			if !tt.wantWarn && (c.Actual != tt.actual || c.Required != 60) {
				t.Errorf("actual/required = %d/%d", c.Actual, c.Required)
			}
		})
	}
}

func TestCheckProcessLimit_Host(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("RLIMIT_NPROC is checked on Linux")
	}
	c := checkProcessLimit(1)
	if c.Warning || c.Actual <= 0 {
		t.Errorf("host process limit not read: %+v", c)
	}
}

func TestPrintResults(t *testing.T) {
	result := &Result{
		Checks: []Check{
			{Name: "port_range", Passed: true, Message: "8000-8030"},
			{Name: "serve_command", Passed: false, Message: "topicexplorer not found"},
		},
	}

	var buf bytes.Buffer
	PrintResults(&buf, result)
	out := buf.String()

	if !strings.HasPrefix(out, "Preflight checks:\n") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "Fix: install the model server") {
		t.Errorf("missing fix hint: %q", out)
	}
	if strings.Count(out, "Fix:") != 1 {
		t.Errorf("fix hints printed for passing checks: %q", out)
	}
}

func TestSuggestFix(t *testing.T) {
	for _, name := range []string{"file_descriptors", "process_limit", "serve_command", "port_range", "log_dir"} {
		if suggestFix(name) == "see documentation" {
			t.Errorf("no specific fix for %s", name)
		}
	}
	if suggestFix("unknown") != "see documentation" {
		t.Error("unknown check should fall back")
	}
}
