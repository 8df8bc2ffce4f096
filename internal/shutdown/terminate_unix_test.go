//go:build !windows

package shutdown

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
	"github.com/randomizedcoder/go-topic-fleet/internal/logging"
)

// startGroupLeader starts a shell that forks a worker, both in a new group.
// It returns the worker's pid as reported by the shell.
func startGroupLeader(t *testing.T) (*exec.Cmd, *fleet.Child, int) {
	t.Helper()
	cmd := exec.Command("sh", "-c", "sleep 30 & echo $!; wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sh: %v", err)
	}

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		cmd.Process.Kill()
		t.Fatalf("read worker pid: %v", err)
	}
	worker, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		cmd.Process.Kill()
		t.Fatalf("worker pid %q: %v", line, err)
	}

	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		t.Fatalf("getpgid: %v", err)
	}

	c := fleet.NewChild(10, 8010, "", "", "sh")
	c.Transition(fleet.StateSpawning)
	c.MarkRunning(cmd.Process, pgid, time.Now())
	return cmd, c, worker
}

// processGone reports whether pid no longer runs. A zombie waiting for its
// new parent to reap it counts as gone.
func processGone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name.
	i := bytes.LastIndexByte(data, ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}

// assertWorkerGone fails the test unless the worker exits within a few
// seconds. The worker is killed on failure.
func assertWorkerGone(t *testing.T, worker int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if processGone(worker) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	unix.Kill(worker, unix.SIGKILL)
	t.Errorf("worker pid %d survived the group signal", worker)
}

func TestGroupTerminator_TerminateGroup(t *testing.T) {
	cmd, child, worker := startGroupLeader(t)

	if child.PGID() != cmd.Process.Pid {
		t.Errorf("pgid = %d, want leader pid %d", child.PGID(), cmd.Process.Pid)
	}
	if got, err := unix.Getpgid(worker); err != nil || got != child.PGID() {
		t.Fatalf("worker pgid = %d, %v; want %d", got, err, child.PGID())
	}
	if err := NewTerminator().TerminateGroup(child); err != nil {
		t.Fatalf("TerminateGroup failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Wait err = %v, want signal exit", err)
		}
		status := exitErr.Sys().(syscall.WaitStatus)
		if !status.Signaled() || status.Signal() != syscall.SIGTERM {
			t.Errorf("status = %v, want SIGTERM", status)
		}
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("group leader did not exit on SIGTERM")
	}

	assertWorkerGone(t, worker)
}

func TestGroupTerminator_NoGroup(t *testing.T) {
	c := fleet.NewChild(10, 8010, "", "", "serve")
	if err := NewTerminator().TerminateGroup(c); !errors.Is(err, ErrNoGroup) {
		t.Errorf("err = %v, want ErrNoGroup", err)
	}
	if err := NewTerminator().Kill(c); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Kill err = %v, want ErrNoProcess", err)
	}
}

func TestCoordinator_RealSignal(t *testing.T) {
	cmd, child, worker := startGroupLeader(t)
	reaped := make(chan struct{})
	go func() {
		err := cmd.Wait()
		child.MarkExited(exitCode(err), err, time.Now())
		close(reaped)
	}()

	var out bytes.Buffer
	c, err := New(Config{
		Fleet:   staticFleet{child},
		Logger:  logging.Discard(),
		Out:     &out,
		Grace:   5 * time.Second,
		Signals: []os.Signal{syscall.SIGUSR1},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if err := c.Arm(); err != nil {
		t.Fatal(err)
	}

	if err := unix.Kill(unix.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatalf("raise SIGUSR1: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Fatal("drain did not complete")
	}
	<-reaped

	report := c.Report()
	if report.Signaled != 1 || report.Forced != 0 {
		t.Errorf("report = %+v", report)
	}
	if child.State() != fleet.StateTerminated {
		t.Errorf("state = %s", child.State())
	}
	assertWorkerGone(t, worker)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
