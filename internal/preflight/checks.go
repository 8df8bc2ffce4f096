// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
	"github.com/randomizedcoder/go-topic-fleet/internal/process"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Failed returns the checks that did not pass.
func (r *Result) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// RunAll executes all preflight checks for spec launched at base.
func RunAll(spec fleet.Spec, base int) *Result {
	children := len(spec.Topics)
	checks := []Check{
		checkFileDescriptors(children, spec.LogPathTemplate != ""),
		checkProcessLimit(children),
		checkServeCommand(spec.CommandTemplate),
		checkPortRange(base, spec.Topics),
		checkLogDir(spec),
	}

	result := &Result{Checks: checks, Passed: true}
	for _, c := range checks {
		if !c.Passed {
			result.Passed = false
		}
	}
	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(children int, logFiles bool) Check {
	actual, err := openFileLimit()
	if err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	// One log file or a relay pipe pair per child, plus probe sockets,
	// the metrics server and the config lock.
	perChild := 2
	if logFiles {
		perChild = 1
	}
	required := children*perChild + 32

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d children)", actual, required, children),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(children int) Check {
	actual, err := processLimit()
	return processLimitCheck(actual, err, children)
}

func processLimitCheck(actual int, err error, children int) Check {
	required := children + 50

	if err != nil || actual <= 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkServeCommand verifies the serve executable resolves.
func checkServeCommand(tmpl string) Check {
	argv, err := process.Split(tmpl)
	if err != nil {
		return Check{
			Name:    "serve_command",
			Passed:  false,
			Message: fmt.Sprintf("cannot parse %q: %v", tmpl, err),
		}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return Check{
			Name:    "serve_command",
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", argv[0], err),
		}
	}

	return Check{
		Name:    "serve_command",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkPortRange verifies every child port is a valid TCP port.
func checkPortRange(base int, topics []int) Check {
	top := base + fleet.MaxOffset(topics)
	if !fleet.PortRangeFits(base, topics) {
		return Check{
			Name:    "port_range",
			Passed:  false,
			Message: fmt.Sprintf("%d-%d exceeds %d", base, top, fleet.MaxPort),
		}
	}
	return Check{
		Name:    "port_range",
		Passed:  true,
		Message: fmt.Sprintf("%d-%d", base, top),
	}
}

// checkLogDir verifies the per-child log directories are writable.
func checkLogDir(spec fleet.Spec) Check {
	if spec.LogPathTemplate == "" {
		return Check{
			Name:    "log_dir",
			Passed:  true,
			Message: "child output relayed to the orchestrator log",
		}
	}

	dirs := make(map[string]bool)
	for _, k := range spec.Topics {
		dirs[filepath.Dir(spec.LogPath(k))] = true
	}

	for dir := range dirs {
		if err := writable(dir); err != nil {
			return Check{
				Name:    "log_dir",
				Passed:  false,
				Message: fmt.Sprintf("%s: %v", dir, err),
			}
		}
	}

	return Check{
		Name:    "log_dir",
		Passed:  true,
		Message: fmt.Sprintf("%d director(ies) writable", len(dirs)),
	}
}

// writable creates dir if needed and probes it with a temp file.
func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "serve_command":
		return "install the model server or pass --serve-command"
	case "port_range":
		return "lower --port or the largest topic count"
	case "log_dir":
		return "fix permissions or pass a different --log-path"
	default:
		return "see documentation"
	}
}
