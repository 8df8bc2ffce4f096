package shutdown

import (
	"errors"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

var (
	// ErrNoProcess is returned when a child has no live process to signal.
	ErrNoProcess = errors.New("no live process")

	// ErrNoGroup is returned when a child's process group is unknown.
	ErrNoGroup = errors.New("no process group")
)

// Terminator stops a child and everything it spawned. Backends are
// chosen at build time.
type Terminator interface {
	// TerminateGroup asks the child's whole process group to exit.
	TerminateGroup(c *fleet.Child) error

	// Kill force-terminates the child by pid.
	Kill(c *fleet.Child) error

	Name() string
}

// killProcess is the portable by-pid fallback.
func killProcess(c *fleet.Child) error {
	p := c.Process()
	if p == nil {
		return ErrNoProcess
	}
	return p.Kill()
}
