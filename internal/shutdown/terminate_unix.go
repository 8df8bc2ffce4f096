//go:build !windows

package shutdown

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// GroupTerminator signals POSIX process groups.
type GroupTerminator struct{}

// NewTerminator returns the platform's Terminator.
func NewTerminator() Terminator {
	return GroupTerminator{}
}

// Name implements Terminator.
func (GroupTerminator) Name() string {
	return "process-group"
}

// TerminateGroup sends SIGTERM to -pgid.
func (GroupTerminator) TerminateGroup(c *fleet.Child) error {
	pgid := c.PGID()
	if pgid <= 0 {
		return ErrNoGroup
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal process group %d: %w", pgid, err)
	}
	return nil
}

// Kill sends SIGKILL to the group, falling back to the pid alone.
func (GroupTerminator) Kill(c *fleet.Child) error {
	if pgid := c.PGID(); pgid > 0 {
		if err := unix.Kill(-pgid, unix.SIGKILL); err == nil {
			return nil
		}
	}
	return killProcess(c)
}
