package fleet

import (
	"os"
	"sync"
	"time"
)

// State is the lifecycle state of a child process.
type State int

const (
	// StatePlanned is the initial state, before any spawn attempt.
	StatePlanned State = iota

	// StateSpawning indicates the process is being started.
	StateSpawning

	// StateRunning indicates the process started and has not exited.
	StateRunning

	// StateShuttingDown indicates a termination signal has been sent.
	StateShuttingDown

	// StateTerminated is terminal: spawn failed, the process exited,
	// or it was reaped after shutdown.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for StateTerminated.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// CanTransition reports whether s may move to next. Progression is strictly
// linear; Terminated is reachable from every non-terminal state.
func (s State) CanTransition(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateTerminated {
		return true
	}
	return next == s+1
}

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{StatePlanned, StateSpawning, StateRunning, StateShuttingDown, StateTerminated}
}

// Child is one member of the fleet. The supervisor creates and mutates it;
// everyone else reads it through the accessors.
type Child struct {
	K       int
	Port    int
	URL     string
	LogPath string
	Command string

	mu        sync.RWMutex
	state     State
	pid       int
	pgid      int
	process   *os.Process
	err       error
	exitCode  int
	crashed   bool
	startedAt time.Time
	exitedAt  time.Time
	done      chan struct{}
}

// NewChild creates a child record in StatePlanned.
func NewChild(k, port int, url, logPath, command string) *Child {
	return &Child{
		K:        k,
		Port:     port,
		URL:      url,
		LogPath:  logPath,
		Command:  command,
		state:    StatePlanned,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// Transition moves the child to next if the move is legal. It returns the
// previous state and whether the transition happened.
func (c *Child) Transition(next State) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(next)
}

func (c *Child) transitionLocked(next State) (State, bool) {
	prev := c.state
	if !prev.CanTransition(next) {
		return prev, false
	}
	c.state = next
	if next == StateTerminated {
		close(c.done)
	}
	return prev, true
}

// MarkRunning records a started process.
func (c *Child) MarkRunning(p *os.Process, pgid int, at time.Time) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.transitionLocked(StateRunning)
	if !ok {
		return prev, false
	}
	c.process = p
	c.pid = p.Pid
	c.pgid = pgid
	c.startedAt = at
	return prev, true
}

// MarkFailed records a spawn failure and terminates the record.
func (c *Child) MarkFailed(err error) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.transitionLocked(StateTerminated)
	if ok {
		c.err = err
		c.exitedAt = time.Now()
	}
	return prev, ok
}

// MarkExited records process exit. The process handle is released.
func (c *Child) MarkExited(exitCode int, err error, at time.Time) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.transitionLocked(StateTerminated)
	if ok {
		c.exitCode = exitCode
		c.err = err
		c.exitedAt = at
		c.process = nil
		c.crashed = prev != StateShuttingDown
	}
	return prev, ok
}

// State returns the current state.
func (c *Child) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PID returns the process id, or 0 if the child never started.
func (c *Child) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pid
}

// PGID returns the process group id, or 0 if unknown.
func (c *Child) PGID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pgid
}

// Process returns the live process handle, nil once reaped or never started.
func (c *Child) Process() *os.Process {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.process
}

// Err returns the spawn failure or exit error, if any.
func (c *Child) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// ExitCode returns the exit code, or -1 while the process has not exited.
func (c *Child) ExitCode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exitCode
}

// ExitedUnexpectedly reports whether the process exited without being
// asked to shut down.
func (c *Child) ExitedUnexpectedly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.crashed
}

// Uptime returns how long the process ran (or has been running).
func (c *Child) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startedAt.IsZero() {
		return 0
	}
	if c.exitedAt.IsZero() {
		return time.Since(c.startedAt)
	}
	return c.exitedAt.Sub(c.startedAt)
}

// Done is closed when the child reaches StateTerminated.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Info is a point-in-time copy of a child, safe to pass around.
type Info struct {
	K        int
	Port     int
	URL      string
	LogPath  string
	PID      int
	PGID     int
	State    State
	ExitCode int
	Err      error
	Uptime   time.Duration
}

// Snapshot returns a copy of the child's current fields.
func (c *Child) Snapshot() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var uptime time.Duration
	if !c.startedAt.IsZero() {
		if c.exitedAt.IsZero() {
			uptime = time.Since(c.startedAt)
		} else {
			uptime = c.exitedAt.Sub(c.startedAt)
		}
	}

	return Info{
		K:        c.K,
		Port:     c.Port,
		URL:      c.URL,
		LogPath:  c.LogPath,
		PID:      c.pid,
		PGID:     c.pgid,
		State:    c.state,
		ExitCode: c.exitCode,
		Err:      c.err,
		Uptime:   uptime,
	}
}

// CountByState tallies children per state.
func CountByState(children []*Child) map[State]int {
	counts := make(map[State]int, len(AllStates()))
	for _, c := range children {
		counts[c.State()]++
	}
	return counts
}
