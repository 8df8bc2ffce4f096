// Package shutdown drains the fleet when the orchestrator is interrupted.
package shutdown

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// DefaultGrace is how long drained children get to exit before being
// force-killed.
const DefaultGrace = 5 * time.Second

var (
	// ErrAlreadyArmed is returned by a second Arm call.
	ErrAlreadyArmed = errors.New("shutdown coordinator already armed")

	// ErrNoFleet is returned by New without a Fleet.
	ErrNoFleet = errors.New("shutdown coordinator: no fleet")
)

// Fleet is the set of children a Coordinator drains.
type Fleet interface {
	Children() []*fleet.Child
}

// Config holds configuration for a Coordinator.
type Config struct {
	Fleet      Fleet
	Terminator Terminator
	Logger     *slog.Logger

	// Out receives one operator notice per terminated child.
	Out io.Writer

	// Grace before survivors are force-killed. Zero means DefaultGrace,
	// negative means do not wait.
	Grace time.Duration

	// Signals that start a drain. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal

	OnDrainStart func(reason string)
	OnTerminate  func(k, pid int, err error)
}

// Report summarizes one drain.
type Report struct {
	Reason   string
	Signaled int // children a termination was issued to
	Forced   int // of those, force-killed by pid
	Failed   int // children nothing could be delivered to
	Skipped  int // already terminated before the drain
	Elapsed  time.Duration
}

// Coordinator terminates every tracked child exactly once per session.
type Coordinator struct {
	fleet      Fleet
	terminator Terminator
	logger     *slog.Logger
	out        io.Writer
	grace      time.Duration
	signals    []os.Signal

	onDrainStart func(reason string)
	onTerminate  func(k, pid int, err error)

	armMu sync.Mutex
	armed bool
	sigCh chan os.Signal
	stop  chan struct{}

	stopOnce  sync.Once
	drainOnce sync.Once
	triggered atomic.Bool
	done      chan struct{}
	report    Report
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Fleet == nil {
		return nil, ErrNoFleet
	}
	c := &Coordinator{
		fleet:        cfg.Fleet,
		terminator:   cfg.Terminator,
		logger:       cfg.Logger,
		out:          cfg.Out,
		grace:        cfg.Grace,
		signals:      cfg.Signals,
		onDrainStart: cfg.OnDrainStart,
		onTerminate:  cfg.OnTerminate,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if c.terminator == nil {
		c.terminator = NewTerminator()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.grace == 0 {
		c.grace = DefaultGrace
	}
	if len(c.signals) == 0 {
		c.signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	return c, nil
}

// Arm installs the signal handlers. It may be called once.
func (c *Coordinator) Arm() error {
	c.armMu.Lock()
	defer c.armMu.Unlock()

	if c.armed {
		return ErrAlreadyArmed
	}
	c.armed = true
	c.sigCh = make(chan os.Signal, 4)
	signal.Notify(c.sigCh, c.signals...)

	c.logger.Debug("shutdown_armed", "terminator", c.terminator.Name())
	go c.watch()
	return nil
}

// watch starts a drain on the first signal and absorbs the rest.
func (c *Coordinator) watch() {
	for {
		select {
		case sig := <-c.sigCh:
			if !c.Trigger("signal: " + sig.String()) {
				c.logger.Warn("signal_ignored",
					"signal", sig.String(),
					"reason", "shutdown already in progress",
				)
			}
		case <-c.stop:
			return
		}
	}
}

// Trigger starts a drain in the background. It reports false when a
// drain was already started.
func (c *Coordinator) Trigger(reason string) bool {
	if !c.triggered.CompareAndSwap(false, true) {
		return false
	}
	go c.Drain(reason)
	return true
}

// Drain terminates every live child and waits for them to be reaped. Only
// the first call does any work; later calls wait for it and return the
// same report.
func (c *Coordinator) Drain(reason string) Report {
	c.triggered.Store(true)
	c.drainOnce.Do(func() {
		c.report = c.drain(reason)
		close(c.done)
	})
	<-c.done
	return c.report
}

func (c *Coordinator) drain(reason string) Report {
	start := time.Now()
	report := Report{Reason: reason}

	c.logger.Info("drain_started", "reason", reason)
	if c.onDrainStart != nil {
		c.onDrainStart(reason)
	}

	var pending []*fleet.Child
	for _, child := range c.fleet.Children() {
		if child.State().IsTerminal() {
			report.Skipped++
			continue
		}
		child.Transition(fleet.StateShuttingDown)

		pid := child.PID()
		fmt.Fprintf(c.out, "terminating pid %d (K=%d)\n", pid, child.K)
		c.logger.Info("terminating_child", "k", child.K, "pid", pid, "pgid", child.PGID())

		err := c.terminator.TerminateGroup(child)
		if err != nil {
			c.logger.Warn("group_terminate_failed", "k", child.K, "pid", pid, "error", err)
			if kerr := c.terminator.Kill(child); kerr != nil {
				report.Failed++
				c.logger.Error("terminate_failed", "k", child.K, "pid", pid, "error", kerr)
				c.notify(child.K, pid, kerr)
				continue
			}
			report.Forced++
		}

		report.Signaled++
		pending = append(pending, child)
		c.notify(child.K, pid, nil)
	}

	report.Forced += c.reap(pending)
	report.Elapsed = time.Since(start)

	c.logger.Info("drain_complete",
		"reason", reason,
		"signaled", report.Signaled,
		"forced", report.Forced,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"elapsed", report.Elapsed.String(),
	)
	return report
}

// reap waits up to the grace period for pending children to exit and
// force-kills the survivors. It returns the number killed.
func (c *Coordinator) reap(pending []*fleet.Child) int {
	if c.grace < 0 || len(pending) == 0 {
		return 0
	}

	deadline := time.NewTimer(c.grace)
	defer deadline.Stop()

	for i, child := range pending {
		select {
		case <-child.Done():
			continue
		case <-deadline.C:
		}

		killed := 0
		for _, survivor := range pending[i:] {
			if survivor.State().IsTerminal() {
				continue
			}
			c.logger.Warn("force_killing_child",
				"k", survivor.K,
				"pid", survivor.PID(),
				"grace", c.grace.String(),
			)
			if err := c.terminator.Kill(survivor); err != nil && !errors.Is(err, ErrNoProcess) {
				c.logger.Error("force_kill_failed", "k", survivor.K, "error", err)
				continue
			}
			killed++
		}
		return killed
	}
	return 0
}

func (c *Coordinator) notify(k, pid int, err error) {
	if c.onTerminate != nil {
		c.onTerminate(k, pid, err)
	}
}

// Done is closed when the drain has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Report returns the drain summary. Valid after Done is closed.
func (c *Coordinator) Report() Report {
	<-c.done
	return c.report
}

// Stop uninstalls the signal handlers.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.armMu.Lock()
		if c.sigCh != nil {
			signal.Stop(c.sigCh)
		}
		c.armMu.Unlock()
		close(c.stop)
	})
}
