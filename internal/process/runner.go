// Package process turns rendered child commands into executable commands.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/shlex"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// ErrEmptyCommand is returned when a rendered command has no program.
var ErrEmptyCommand = errors.New("empty command")

// Runner creates executable commands for children.
// This interface keeps the supervisor independent of the serve command.
type Runner interface {
	// BuildCommand returns a ready-to-start command for the given child.
	// The command should NOT be started yet.
	BuildCommand(child *fleet.Child) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// TemplateRunner builds commands from the child's rendered command line.
type TemplateRunner struct {
	// Env is appended to the orchestrator's environment.
	Env []string

	// Dir is the working directory; empty means the orchestrator's.
	Dir string
}

// NewTemplateRunner creates a TemplateRunner.
func NewTemplateRunner(env []string, dir string) *TemplateRunner {
	return &TemplateRunner{Env: env, Dir: dir}
}

// Name implements Runner.
func (r *TemplateRunner) Name() string {
	return "template"
}

// BuildCommand splits the child's command with shell quoting rules.
// No shell is involved, so the started process is the server itself.
func (r *TemplateRunner) BuildCommand(child *fleet.Child) (*exec.Cmd, error) {
	argv, err := Split(child.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd, nil
}

// Split parses a command line into argv.
func Split(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// ExitCode extracts the exit code from a Wait() error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	// Unknown error, assume exit code 1
	return 1
}
