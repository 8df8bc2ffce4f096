// Package supervisor spawns and tracks the fleet's child processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
	"github.com/randomizedcoder/go-topic-fleet/internal/logging"
	"github.com/randomizedcoder/go-topic-fleet/internal/process"
)

// ErrNoRunner is returned by New when no Runner is configured.
var ErrNoRunner = errors.New("supervisor: no runner")

// SpawnError records why one child could not be started.
type SpawnError struct {
	K       int
	Port    int
	Command string
	LogPath string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.LogPath != "" {
		return fmt.Sprintf("spawn K=%d (port %d, log %s): %v", e.K, e.Port, e.LogPath, e.Err)
	}
	return fmt.Sprintf("spawn K=%d (port %d): %v", e.K, e.Port, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called on every child state transition.
	OnStateChange func(k int, oldState, newState fleet.State)

	// OnStart is called when a child process starts.
	OnStart func(k int, pid int)

	// OnExit is called when a child process exits.
	OnExit func(k int, exitCode int, uptime time.Duration)

	// OnSpawnError is called when a child could not be started.
	OnSpawnError func(k int, err error)
}

// Config holds configuration for a Supervisor.
type Config struct {
	Runner    process.Runner
	Logger    *slog.Logger
	Callbacks Callbacks

	// Verbose relays every line of pipe-captured child output.
	Verbose bool
}

// Supervisor owns the child records of one session. Children are only
// ever added by Spawn; their states change as processes start and exit.
type Supervisor struct {
	runner    process.Runner
	logger    *slog.Logger
	callbacks Callbacks
	verbose   bool

	mu       sync.RWMutex
	children []*fleet.Child
	outputs  map[int]*logging.ChildOutputHandler

	wg sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		return nil, ErrNoRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		runner:    cfg.Runner,
		logger:    logger,
		callbacks: cfg.Callbacks,
		verbose:   cfg.Verbose,
		outputs:   make(map[int]*logging.ChildOutputHandler),
	}, nil
}

// Spawn starts one child per topic count, in configured order. A failed
// child is recorded as terminated and the rest are still started; the
// returned error joins every *SpawnError. Children are not bound to ctx:
// they outlive it until the shutdown coordinator stops them.
func (s *Supervisor) Spawn(ctx context.Context, spec fleet.Spec, base int) ([]*fleet.Child, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var errs []error
	spawned := make([]*fleet.Child, 0, len(spec.Topics))
	for _, k := range spec.Topics {
		port := spec.Port(base, k)
		child := fleet.NewChild(k, port, spec.URL(port), spec.LogPath(k), spec.Command(k, port))

		s.mu.Lock()
		s.children = append(s.children, child)
		s.mu.Unlock()
		spawned = append(spawned, child)

		if err := ctx.Err(); err != nil {
			errs = append(errs, s.fail(child, err))
			continue
		}

		if err := s.spawnOne(child); err != nil {
			errs = append(errs, err)
		}
	}

	return spawned, errors.Join(errs...)
}

func (s *Supervisor) spawnOne(child *fleet.Child) error {
	s.transition(child, fleet.StateSpawning)
	logger := logging.ForChild(s.logger, child.K, child.Port)

	cmd, err := s.runner.BuildCommand(child)
	if err != nil {
		return s.fail(child, err)
	}

	out, err := s.openSink(child)
	if err != nil {
		return s.fail(child, err)
	}
	cmd.Stdin = nil
	cmd.Stdout = out.writer
	cmd.Stderr = out.writer

	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		out.abort()
		return s.fail(child, err)
	}
	// The child holds its own copy of the sink now.
	out.started()

	pid := cmd.Process.Pid
	pgid := processGroupID(pid)
	if prev, ok := child.MarkRunning(cmd.Process, pgid, time.Now()); ok {
		s.notifyState(child.K, prev, fleet.StateRunning)
	}

	logger.Info("child_started",
		"pid", pid,
		"pgid", pgid,
		"url", child.URL,
		"log_path", child.LogPath,
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(child.K, pid)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		waitErr := cmd.Wait()
		exitCode := process.ExitCode(waitErr)
		uptime := child.Uptime()

		prev, ok := child.MarkExited(exitCode, waitErr, time.Now())
		if ok {
			s.notifyState(child.K, prev, fleet.StateTerminated)
		}

		level := slog.LevelInfo
		if prev != fleet.StateShuttingDown {
			// Exited on its own.
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "child_exited",
			"pid", pid,
			"exit_code", exitCode,
			"uptime", uptime.String(),
		)
		if s.callbacks.OnExit != nil {
			s.callbacks.OnExit(child.K, exitCode, uptime)
		}
	}()

	return nil
}

// sink is where a child's stdout and stderr go.
type sink struct {
	writer *os.File
	// reader is the parent's end when output is relayed through a pipe.
	reader *os.File
	relay  *logging.ChildOutputHandler
}

// openSink opens the child's log file, creating parent directories, or
// falls back to a pipe relayed into the orchestrator log.
func (s *Supervisor) openSink(child *fleet.Child) (*sink, error) {
	if child.LogPath != "" {
		if dir := filepath.Dir(child.LogPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(child.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		return &sink{writer: f}, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	relay := logging.NewChildOutputHandler(child.K, s.logger, s.verbose)

	s.mu.Lock()
	s.outputs[child.K] = relay
	s.mu.Unlock()

	return &sink{writer: w, reader: r, relay: relay}, nil
}

// started closes the parent's write end and begins relaying pipe output.
func (o *sink) started() {
	o.writer.Close()
	if o.reader == nil {
		return
	}
	go func(r io.ReadCloser) {
		defer r.Close()
		o.relay.HandleReader(r)
	}(o.reader)
}

func (o *sink) abort() {
	o.writer.Close()
	if o.reader != nil {
		o.reader.Close()
	}
}

func (s *Supervisor) spawnError(child *fleet.Child, err error) *SpawnError {
	return &SpawnError{
		K:       child.K,
		Port:    child.Port,
		Command: child.Command,
		LogPath: child.LogPath,
		Err:     err,
	}
}

// fail records a spawn failure on the child and reports it.
func (s *Supervisor) fail(child *fleet.Child, err error) error {
	spawnErr := s.spawnError(child, err)
	if prev, ok := child.MarkFailed(spawnErr); ok {
		s.notifyState(child.K, prev, fleet.StateTerminated)
	}

	s.logger.Error("child_spawn_failed",
		"k", child.K,
		"port", child.Port,
		"command", child.Command,
		"log_path", child.LogPath,
		"error", err,
	)
	if s.callbacks.OnSpawnError != nil {
		s.callbacks.OnSpawnError(child.K, spawnErr)
	}
	return spawnErr
}

func (s *Supervisor) transition(child *fleet.Child, next fleet.State) {
	if prev, ok := child.Transition(next); ok {
		s.notifyState(child.K, prev, next)
	}
}

func (s *Supervisor) notifyState(k int, oldState, newState fleet.State) {
	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(k, oldState, newState)
	}
}

// Children returns every tracked child, in spawn order.
func (s *Supervisor) Children() []*fleet.Child {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fleet.Child, len(s.children))
	copy(out, s.children)
	return out
}

// Running returns the children whose process is currently alive.
func (s *Supervisor) Running() []*fleet.Child {
	var out []*fleet.Child
	for _, c := range s.Children() {
		if c.State() == fleet.StateRunning {
			out = append(out, c)
		}
	}
	return out
}

// Output returns the pipe relay for child K, or nil when K logs to a file.
func (s *Supervisor) Output(k int) *logging.ChildOutputHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputs[k]
}

// WaitTimeout blocks until every started child has been reaped or timeout
// passes. It reports whether all children were
// reaped in time.
func (s *Supervisor) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
