//go:build windows

package shutdown

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// TreeTerminator ends process trees with taskkill.
type TreeTerminator struct{}

// NewTerminator returns the platform's Terminator.
func NewTerminator() Terminator {
	return TreeTerminator{}
}

// Name implements Terminator.
func (TreeTerminator) Name() string {
	return "taskkill"
}

// TerminateGroup runs taskkill /T /F on the child's pid, which covers
// every descendant.
func (TreeTerminator) TerminateGroup(c *fleet.Child) error {
	pid := c.PID()
	if pid <= 0 {
		return ErrNoProcess
	}
	out, err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill %d: %w (%s)", pid, err, out)
	}
	return nil
}

// Kill terminates the child by pid.
func (TreeTerminator) Kill(c *fleet.Child) error {
	return killProcess(c)
}
