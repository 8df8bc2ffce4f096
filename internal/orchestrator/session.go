// Package orchestrator drives one launch session: resolve ports, spawn the
// fleet, wait for it to come up, park, and drain on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-topic-fleet/internal/config"
	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
	"github.com/randomizedcoder/go-topic-fleet/internal/logging"
	"github.com/randomizedcoder/go-topic-fleet/internal/metrics"
	"github.com/randomizedcoder/go-topic-fleet/internal/ports"
	"github.com/randomizedcoder/go-topic-fleet/internal/preflight"
	"github.com/randomizedcoder/go-topic-fleet/internal/probe"
	"github.com/randomizedcoder/go-topic-fleet/internal/process"
	"github.com/randomizedcoder/go-topic-fleet/internal/shutdown"
	"github.com/randomizedcoder/go-topic-fleet/internal/supervisor"
	"github.com/randomizedcoder/go-topic-fleet/internal/tui"
)

// Exit statuses returned by Run.
const (
	ExitOK     = 0
	ExitFailed = 1
)

var (
	// ErrNoChildren is returned when not a single child could be started.
	ErrNoChildren = errors.New("no child process started")

	// ErrPreflight is returned when a preflight check failed.
	ErrPreflight = errors.New("preflight checks failed (use --skip-preflight to override)")

	// errReadinessInterrupted stops the readiness wait when a drain or
	// cancellation arrives first.
	errReadinessInterrupted = errors.New("readiness wait interrupted")
)

// Options carries the collaborators of a Session. Zero values select the
// production defaults.
type Options struct {
	// Strategy picks the next base port on conflict. Defaults to AutoStrategy.
	Strategy ports.Strategy

	// Out receives operator output. Defaults to os.Stdout.
	Out io.Writer

	// Terminator stops child process groups. Defaults to the platform backend.
	Terminator shutdown.Terminator

	// Env is appended to every child's environment.
	Env []string

	// Registry holds the session metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry

	// Signals that start a drain. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal

	Version string
}

// Session is one launch of the fleet. It is used once.
type Session struct {
	cfg    *config.Config
	spec   fleet.Spec
	logger *slog.Logger
	out    io.Writer

	strategy ports.Strategy

	supervisor    *supervisor.Supervisor
	coordinator   *shutdown.Coordinator
	prober        *probe.Prober
	metrics       *metrics.Collector
	metricsServer *metrics.Server

	mu         sync.RWMutex
	phase      Phase
	base       int
	ready      bool
	readyAfter time.Duration
	spawnedAt  time.Time

	drainOnce sync.Once
	draining  chan struct{}

	program *tea.Program
	tuiDone chan struct{}
}

// New creates a Session for spec. cfg supplies the tuning knobs.
func New(cfg *config.Config, spec fleet.Spec, logger *slog.Logger, opts Options) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Session{
		cfg:      cfg,
		spec:     spec,
		logger:   logger,
		out:      out,
		strategy: opts.Strategy,
		base:     spec.BasePort,
		draining: make(chan struct{}),
	}

	s.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:        opts.Version,
		Host:           spec.Host,
		TargetChildren: len(spec.Topics),
	}, registry)
	s.metrics.SetPhase(PhaseConfiguring.String(), phaseNames())

	sup, err := supervisor.New(supervisor.Config{
		Runner:  process.NewTemplateRunner(opts.Env, cfg.WorkDir),
		Logger:  logger,
		Verbose: cfg.Verbose,
		Callbacks: supervisor.Callbacks{
			OnStateChange: s.onStateChange,
			OnStart:       s.onStart,
			OnExit:        s.onExit,
			OnSpawnError:  s.onSpawnError,
		},
	})
	if err != nil {
		return nil, err
	}
	s.supervisor = sup

	coord, err := shutdown.New(shutdown.Config{
		Fleet:        sup,
		Terminator:   opts.Terminator,
		Logger:       logger,
		Out:          out,
		Grace:        cfg.ShutdownGrace,
		Signals:      opts.Signals,
		OnDrainStart: s.onDrainStart,
		OnTerminate:  s.onTerminate,
	})
	if err != nil {
		return nil, err
	}
	s.coordinator = coord

	s.prober = probe.NewProber(probe.Options{
		Interval: cfg.ReadyInterval,
		Timeout:  cfg.ReadyTimeout,
		Logger:   logger,
	})

	if cfg.MetricsAddr != "" {
		s.metricsServer = metrics.NewServer(cfg.MetricsAddr, logger, registry, s.Ready)
	}

	return s, nil
}

// Run executes the session. It blocks until the fleet has been drained and
// returns the process exit status: ExitOK after a deliberate shutdown,
// ExitFailed when the launch itself failed.
func (s *Session) Run(ctx context.Context) (int, error) {
	defer s.coordinator.Stop()

	if !s.cfg.SkipPreflight {
		result := preflight.RunAll(s.spec, s.spec.BasePort)
		preflight.PrintResults(s.out, result)
		if !result.Passed {
			s.close()
			return ExitFailed, ErrPreflight
		}
	}

	s.setPhase(PhasePortResolving)
	base, err := s.resolvePort(ctx)
	if err != nil {
		s.close()
		return ExitFailed, err
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Start(); err != nil {
			s.close()
			return ExitFailed, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer s.stopMetricsServer()
	}

	s.setPhase(PhaseSpawning)
	if err := s.spawn(ctx, base); err != nil {
		s.close()
		return ExitFailed, err
	}

	if err := s.coordinator.Arm(); err != nil {
		return ExitFailed, err
	}

	s.setPhase(PhaseAwaitingReadiness)
	if s.cfg.TUIEnabled && !s.isDraining() {
		s.startTUI()
	}

	launchErr := s.awaitReadiness(ctx)
	switch {
	case launchErr == nil:
		s.setPhase(PhaseActive)
		s.logger.Info("fleet_active",
			"running", len(s.supervisor.Running()),
			"target", len(s.spec.Topics),
		)
	case errors.Is(launchErr, errReadinessInterrupted):
		// Shutdown was requested before the fleet came up.
		s.logger.Info("readiness_interrupted")
		launchErr = nil
	}

	select {
	case <-s.coordinator.Done():
	case <-ctx.Done():
		s.coordinator.Trigger("context cancelled")
	}
	report := s.coordinator.Report()
	s.metrics.RecordForcedKills(report.Forced)

	if !s.supervisor.WaitTimeout(s.drainWait()) {
		s.logger.Warn("children_not_reaped", "timeout", s.drainWait().String())
	}
	s.refreshStates()
	s.close()
	s.stopTUI()

	s.printExitSummary(report)
	s.dumpMetrics()

	if launchErr != nil {
		return ExitFailed, launchErr
	}
	return ExitOK, nil
}

// resolvePort sweeps for a conflict-free base port and persists it when it
// differs from the configured one.
func (s *Session) resolvePort(ctx context.Context) (int, error) {
	allocator := ports.New(ports.Config{
		Strategy:    s.strategy,
		DialTimeout: s.cfg.PortProbeTimeout,
		MaxAttempts: s.cfg.MaxPortAttempts,
		Logger:      s.logger,
		OnSweep: func(base int, conflict *ports.ConflictError) {
			s.metrics.RecordSweep(conflict != nil)
		},
	})

	base, err := allocator.Resolve(ctx, s.spec.Host, s.spec.BasePort, s.spec.Topics)
	if err != nil {
		return 0, fmt.Errorf("resolve base port: %w", err)
	}

	s.mu.Lock()
	s.base = base
	s.mu.Unlock()
	s.metrics.SetBasePort(s.spec.BasePort, base)

	if base == s.spec.BasePort {
		return base, nil
	}

	s.logger.Info("base_port_changed",
		"configured", s.spec.BasePort,
		"resolved", base,
		"persist", s.cfg.ShouldPersist(base),
	)
	if s.cfg.ShouldPersist(base) {
		store := config.NewStore(s.cfg.ConfigPath)
		if err := store.SetBasePort(ctx, base); err != nil {
			// The fleet still runs on the resolved port.
			s.logger.Warn("base_port_persist_failed", "path", s.cfg.ConfigPath, "error", err)
		} else {
			s.logger.Info("base_port_persisted", "path", s.cfg.ConfigPath, "port", base)
		}
	}
	return base, nil
}

// spawn starts the fleet and prints a pid/url line per started child.
func (s *Session) spawn(ctx context.Context, base int) error {
	s.mu.Lock()
	s.spawnedAt = time.Now()
	s.mu.Unlock()

	children, err := s.supervisor.Spawn(ctx, s.spec, base)
	if err != nil {
		s.logger.Warn("partial_fleet",
			"started", len(s.supervisor.Running()),
			"target", len(s.spec.Topics),
			"error", err,
		)
	}

	started := 0
	for _, child := range children {
		if pid := child.PID(); pid > 0 {
			fmt.Fprintf(s.out, "%d %s\n", pid, child.URL)
			started++
		}
	}
	if started == 0 {
		return errors.Join(ErrNoChildren, err)
	}
	return nil
}

// awaitReadiness waits for the first configured child that is still
// running to accept a connection. It moves to the next child when its
// target exits and gives up when a drain starts.
func (s *Session) awaitReadiness(ctx context.Context) error {
	for {
		target := s.firstRunning()
		if target == nil {
			s.logger.Error("readiness_no_children", "reason", "every child exited before accepting connections")
			s.coordinator.Trigger("no running children")
			return ErrNoChildren
		}

		probeCtx, cancel := context.WithCancel(ctx)
		stop := make(chan struct{})
		go func() {
			select {
			case <-target.Done():
			case <-s.draining:
			case <-stop:
			}
			cancel()
		}()

		err := s.prober.AwaitReady(probeCtx, s.spec.Host, target.Port)
		close(stop)
		cancel()

		var timeoutErr *probe.TimeoutError
		switch {
		case err == nil:
			s.markReady(target)
			return nil
		case errors.As(err, &timeoutErr):
			s.logger.Error("readiness_timeout", "k", target.K, "error", err)
			s.coordinator.Trigger("readiness timeout")
			return err
		case s.isDraining() || ctx.Err() != nil:
			return errReadinessInterrupted
		case target.State().IsTerminal():
			s.logger.Warn("readiness_target_exited", "k", target.K, "exit_code", target.ExitCode())
			continue
		default:
			return err
		}
	}
}

func (s *Session) firstRunning() *fleet.Child {
	running := s.supervisor.Running()
	if len(running) == 0 {
		return nil
	}
	return running[0]
}

func (s *Session) markReady(target *fleet.Child) {
	s.mu.Lock()
	s.ready = true
	s.readyAfter = time.Since(s.spawnedAt)
	wait := s.readyAfter
	s.mu.Unlock()

	s.metrics.RecordReady(wait, s.prober.Attempts())
	s.logger.Info("fleet_ready",
		"k", target.K,
		"url", target.URL,
		"wait", wait.String(),
		"attempts", s.prober.Attempts(),
	)
}

// drainWait bounds how long Run waits for children after the drain.
func (s *Session) drainWait() time.Duration {
	if s.cfg.ShutdownGrace > 0 {
		return s.cfg.ShutdownGrace
	}
	return shutdown.DefaultGrace
}

func (s *Session) stopMetricsServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.metricsServer.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// =============================================================================
// Phase tracking
// =============================================================================

// setPhase moves the session forward. Backward moves are ignored.
func (s *Session) setPhase(next Phase) bool {
	s.mu.Lock()
	prev := s.phase
	if !prev.CanTransition(next) {
		s.mu.Unlock()
		return false
	}
	s.phase = next
	s.mu.Unlock()

	s.metrics.SetPhase(next.String(), phaseNames())
	s.logger.Debug("session_phase", "from", prev.String(), "to", next.String())
	return true
}

func (s *Session) close() {
	s.setPhase(PhaseClosed)
}

// Phase returns the current session phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// BasePort returns the resolved base port, or the configured one before
// resolution.
func (s *Session) BasePort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// Ready reports whether the probed child has accepted a connection.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Children returns the tracked children in configured order.
func (s *Session) Children() []*fleet.Child {
	return s.supervisor.Children()
}

// Shutdown starts the same drain a signal would.
func (s *Session) Shutdown(reason string) bool {
	return s.coordinator.Trigger(reason)
}

// Metrics returns the session's collector.
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

func (s *Session) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// Status implements tui.StatusSource.
func (s *Session) Status() tui.Status {
	children := s.supervisor.Children()
	infos := make([]fleet.Info, len(children))
	for i, c := range children {
		infos[i] = c.Snapshot()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return tui.Status{
		Phase:      s.phase.String(),
		Host:       s.spec.Host,
		BasePort:   s.base,
		Ready:      s.ready,
		ReadyAfter: s.readyAfter,
		Draining:   s.phase == PhaseDraining,
		Children:   infos,
	}
}

// =============================================================================
// Callback handlers
// =============================================================================

func (s *Session) onStateChange(k int, oldState, newState fleet.State) {
	s.refreshStates()
}

func (s *Session) onStart(k int, pid int) {
	s.metrics.ChildStarted()
}

func (s *Session) onExit(k int, exitCode int, uptime time.Duration) {
	s.metrics.RecordExit(exitCode, uptime)
}

func (s *Session) onSpawnError(k int, err error) {
	s.metrics.SpawnFailed()
}

func (s *Session) onDrainStart(reason string) {
	s.drainOnce.Do(func() { close(s.draining) })
	s.setPhase(PhaseDraining)

	s.mu.RLock()
	program := s.program
	s.mu.RUnlock()
	tui.SendQuit(program)
}

func (s *Session) onTerminate(k, pid int, err error) {
	s.metrics.RecordTermination(err)
	s.refreshStates()
}

func (s *Session) refreshStates() {
	s.metrics.SetChildStates(fleet.CountByState(s.supervisor.Children()))
}

// =============================================================================
// Dashboard
// =============================================================================

func (s *Session) startTUI() {
	addr := ""
	if s.metricsServer != nil {
		addr = s.metricsServer.Addr()
	}
	model := tui.New(tui.Config{
		MetricsAddr: addr,
		ConfigPath:  s.cfg.ConfigPath,
		Source:      s,
		OnQuit: func() {
			s.coordinator.Trigger("operator quit")
		},
	})

	program := tea.NewProgram(model, tea.WithAltScreen())
	done := make(chan struct{})

	s.mu.Lock()
	s.program = program
	s.tuiDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if _, err := program.Run(); err != nil {
			s.logger.Error("tui_error", "error", err)
		}
	}()
}

func (s *Session) stopTUI() {
	s.mu.RLock()
	program, done := s.program, s.tuiDone
	s.mu.RUnlock()
	if program == nil {
		return
	}
	tui.SendQuit(program)
	<-done
}

// =============================================================================
// Exit summary
// =============================================================================

// printExitSummary prints a summary of the session.
func (s *Session) printExitSummary(report shutdown.Report) {
	summary := s.metrics.GenerateSummary()
	w := s.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                    go-topic-fleet Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Session Duration:       %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Shutdown Reason:        %s\n", report.Reason)
	fmt.Fprintf(w, "Target Children:        %d\n", summary.TargetChildren)
	fmt.Fprintf(w, "Peak Running Children:  %d\n", summary.PeakRunning)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Ports:")
	fmt.Fprintf(w, "  Configured Base:      %d\n", summary.ConfiguredBase)
	fmt.Fprintf(w, "  Resolved Base:        %d\n", summary.ResolvedBase)
	fmt.Fprintf(w, "  Conflicts:            %d\n", summary.PortConflicts)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Readiness:")
	if summary.ReadyAfter > 0 {
		fmt.Fprintf(w, "  Ready After:          %s\n", summary.ReadyAfter.Round(time.Millisecond))
	} else {
		fmt.Fprintln(w, "  Ready After:          never")
	}
	fmt.Fprintf(w, "  Probe Attempts:       %d\n", s.prober.Attempts())
	if p50 := s.prober.LatencyQuantile(0.5); p50 > 0 {
		fmt.Fprintf(w, "  Connect P50:          %s\n", p50.Round(time.Microsecond))
		fmt.Fprintf(w, "  Connect P99:          %s\n", s.prober.LatencyQuantile(0.99).Round(time.Microsecond))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Lifecycle:")
	fmt.Fprintf(w, "  Total Starts:         %d\n", summary.TotalStarts)
	fmt.Fprintf(w, "  Spawn Failures:       %d\n", summary.SpawnFailures)
	fmt.Fprintf(w, "  Terminations:         %d\n", report.Signaled)
	fmt.Fprintf(w, "  Forced Kills:         %d\n", report.Forced)
	fmt.Fprintf(w, "  Termination Failures: %d\n", report.Failed)
	fmt.Fprintln(w)

	if summary.UptimeP50 > 0 || summary.UptimeP95 > 0 {
		fmt.Fprintln(w, "Uptime Distribution:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", formatDuration(summary.UptimeP50))
		fmt.Fprintf(w, "  P95:                  %s\n", formatDuration(summary.UptimeP95))
		fmt.Fprintf(w, "  P99:                  %s\n", formatDuration(summary.UptimeP99))
		fmt.Fprintln(w)
	}

	if len(summary.ExitCodes) > 0 {
		fmt.Fprintln(w, "Exit Codes:")
		for _, code := range sortedCodes(summary.ExitCodes) {
			fmt.Fprintf(w, "  %3d %-16s %d\n", code, exitCodeLabel(code), summary.ExitCodes[code])
		}
		fmt.Fprintln(w)
	}

	s.printUnexpectedExits(w)

	if s.metricsServer != nil {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", s.metricsServer.Addr())
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// recentOutputLines is how much relayed output is shown per crashed child.
const recentOutputLines = 5

// printUnexpectedExits lists children that exited before the drain, with
// the tail of their relayed output.
func (s *Session) printUnexpectedExits(w io.Writer) {
	var crashed []*fleet.Child
	for _, c := range s.supervisor.Children() {
		if c.ExitedUnexpectedly() {
			crashed = append(crashed, c)
		}
	}
	if len(crashed) == 0 {
		return
	}

	fmt.Fprintln(w, "Unexpected Exits:")
	for _, c := range crashed {
		fmt.Fprintf(w, "  K=%d pid %d exit %d %s after %s\n",
			c.K, c.PID(), c.ExitCode(), exitCodeLabel(c.ExitCode()), formatDuration(c.Uptime()))

		relay := s.supervisor.Output(c.K)
		if relay == nil {
			fmt.Fprintf(w, "    log: %s\n", c.LogPath)
			continue
		}
		relay.WaitDrained(200 * time.Millisecond)

		counts := relay.CountErrors()
		for _, pattern := range logging.ErrorPatterns {
			if n := counts[pattern]; n > 0 {
				fmt.Fprintf(w, "    %-26s %d\n", pattern+":", n)
			}
		}
		for _, line := range relay.RecentLines(recentOutputLines) {
			fmt.Fprintf(w, "    | %s\n", line)
		}
	}
	fmt.Fprintln(w)
}

// dumpMetrics writes the final metrics snapshot when --metrics-dump is set.
func (s *Session) dumpMetrics() {
	if s.cfg.MetricsDump == "" {
		return
	}
	f, err := os.Create(s.cfg.MetricsDump)
	if err != nil {
		s.logger.Warn("metrics_dump_failed", "path", s.cfg.MetricsDump, "error", err)
		return
	}
	defer f.Close()

	if err := metrics.WriteText(f, s.metrics.Registry()); err != nil {
		s.logger.Warn("metrics_dump_failed", "path", s.cfg.MetricsDump, "error", err)
		return
	}
	s.logger.Info("metrics_dumped", "path", s.cfg.MetricsDump)
}
