// Package metrics provides Prometheus metrics for go-topic-fleet.
//
// Every metric lives on the collector's own registry, so several sessions
// (or tests) never share state.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

const namespace = "topic_fleet"

// CollectorConfig holds the static labels of a session.
type CollectorConfig struct {
	Version        string
	Host           string
	TargetChildren int
}

// Collector records session events as Prometheus metrics and keeps the
// raw values needed for the exit summary.
type Collector struct {
	registry *prometheus.Registry

	// --- Session ---
	info           *prometheus.GaugeVec
	targetChildren prometheus.Gauge
	basePort       prometheus.Gauge
	phase          *prometheus.GaugeVec

	// --- Port resolution ---
	portSweepsTotal    prometheus.Counter
	portConflictsTotal prometheus.Counter

	// --- Children ---
	childrenByState    *prometheus.GaugeVec
	childStartsTotal   prometheus.Counter
	spawnFailuresTotal prometheus.Counter
	childExitsTotal    *prometheus.CounterVec
	childUptimeSeconds prometheus.Histogram

	// --- Readiness ---
	ready                 prometheus.Gauge
	readinessWaitSeconds  prometheus.Gauge
	readinessAttemptTotal prometheus.Counter

	// --- Shutdown ---
	terminationsTotal        prometheus.Counter
	terminationFailuresTotal prometheus.Counter
	forcedKillsTotal         prometheus.Counter

	mu             sync.Mutex
	startTime      time.Time
	targetCount    int
	peakRunning    int
	totalStarts    int64
	spawnFailures  int64
	conflicts      int64
	terminations   int64
	readyAfter     time.Duration
	exitCodes      map[int]int64
	uptimes        []time.Duration
	resolvedBase   int
	configuredBase int
}

// NewCollector creates a Collector on a fresh registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a Collector registered on registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry:    registry,
		startTime:   time.Now(),
		targetCount: cfg.TargetChildren,
		exitCodes:   make(map[int]int64),
		uptimes:     make([]time.Duration, 0, cfg.TargetChildren),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the session (value always 1)",
		}, []string{"version", "host"}),
		targetChildren: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_children",
			Help:      "Number of configured topic counts",
		}),
		basePort: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "base_port",
			Help:      "Resolved base port",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_phase",
			Help:      "Current session phase (1 for the active phase)",
		}, []string{"phase"}),

		portSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_sweeps_total",
			Help:      "Base ports swept for conflicts",
		}),
		portConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_conflicts_total",
			Help:      "Base ports rejected because an offset was already bound",
		}),

		childrenByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "children",
			Help:      "Children by lifecycle state",
		}, []string{"state"}),
		childStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_starts_total",
			Help:      "Child processes started",
		}),
		spawnFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Children that could not be started",
		}),
		childExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_exits_total",
			Help:      "Child exits by exit code category",
		}, []string{"category"}), // "success", "error", "signal"
		childUptimeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_uptime_seconds",
			Help:      "Child uptime before exit",
			Buckets:   []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200, 86400},
		}),

		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 once the first child accepts connections",
		}),
		readinessWaitSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readiness_wait_seconds",
			Help:      "Time from spawn until the first child accepted a connection",
		}),
		readinessAttemptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_attempts_total",
			Help:      "Readiness connection attempts",
		}),

		terminationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Termination signals issued to child process groups",
		}),
		terminationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "termination_failures_total",
			Help:      "Children no termination could be delivered to",
		}),
		forcedKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_kills_total",
			Help:      "Children force-killed during shutdown",
		}),
	}

	registry.MustRegister(
		c.info,
		c.targetChildren,
		c.basePort,
		c.phase,
		c.portSweepsTotal,
		c.portConflictsTotal,
		c.childrenByState,
		c.childStartsTotal,
		c.spawnFailuresTotal,
		c.childExitsTotal,
		c.childUptimeSeconds,
		c.ready,
		c.readinessWaitSeconds,
		c.readinessAttemptTotal,
		c.terminationsTotal,
		c.terminationFailuresTotal,
		c.forcedKillsTotal,
	)

	c.info.WithLabelValues(cfg.Version, cfg.Host).Set(1)
	c.targetChildren.Set(float64(cfg.TargetChildren))
	for _, s := range fleet.AllStates() {
		c.childrenByState.WithLabelValues(s.String()).Set(0)
	}

	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// SetPhase marks current as the active phase among all.
func (c *Collector) SetPhase(current string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		c.phase.WithLabelValues(p).Set(v)
	}
}

// RecordSweep records one conflict sweep.
func (c *Collector) RecordSweep(conflict bool) {
	c.portSweepsTotal.Inc()
	if !conflict {
		return
	}
	c.portConflictsTotal.Inc()

	c.mu.Lock()
	c.conflicts++
	c.mu.Unlock()
}

// SetBasePort records the configured and resolved base ports.
func (c *Collector) SetBasePort(configured, resolved int) {
	c.basePort.Set(float64(resolved))

	c.mu.Lock()
	c.configuredBase = configured
	c.resolvedBase = resolved
	c.mu.Unlock()
}

// ChildStarted records a child start event.
func (c *Collector) ChildStarted() {
	c.childStartsTotal.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// SpawnFailed records a child that could not be started.
func (c *Collector) SpawnFailed() {
	c.spawnFailuresTotal.Inc()

	c.mu.Lock()
	c.spawnFailures++
	c.mu.Unlock()
}

// RecordExit records a process exit event.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	c.childExitsTotal.WithLabelValues(category).Inc()
	c.childUptimeSeconds.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.uptimes = append(c.uptimes, uptime)
	c.mu.Unlock()
}

// SetChildStates publishes the per-state child counts.
func (c *Collector) SetChildStates(counts map[fleet.State]int) {
	for _, s := range fleet.AllStates() {
		c.childrenByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}

	c.mu.Lock()
	if n := counts[fleet.StateRunning]; n > c.peakRunning {
		c.peakRunning = n
	}
	c.mu.Unlock()
}

// RecordReady records that the fleet answered after wait and attempts.
func (c *Collector) RecordReady(wait time.Duration, attempts int) {
	c.ready.Set(1)
	c.readinessWaitSeconds.Set(wait.Seconds())
	c.readinessAttemptTotal.Add(float64(attempts))

	c.mu.Lock()
	c.readyAfter = wait
	c.mu.Unlock()
}

// RecordTermination records one termination attempt and its outcome.
func (c *Collector) RecordTermination(err error) {
	if err != nil {
		c.terminationFailuresTotal.Inc()
		return
	}
	c.terminationsTotal.Inc()

	c.mu.Lock()
	c.terminations++
	c.mu.Unlock()
}

// RecordForcedKills records children killed after the grace period.
func (c *Collector) RecordForcedKills(n int) {
	c.forcedKillsTotal.Add(float64(n))
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration       time.Duration
	TargetChildren int
	PeakRunning    int
	ConfiguredBase int
	ResolvedBase   int
	PortConflicts  int64
	TotalStarts    int64
	SpawnFailures  int64
	Terminations   int64
	ReadyAfter     time.Duration
	ExitCodes      map[int]int64
	UptimeP50      time.Duration
	UptimeP95      time.Duration
	UptimeP99      time.Duration
}

// GenerateSummary creates a summary of the session.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:       time.Since(c.startTime),
		TargetChildren: c.targetCount,
		PeakRunning:    c.peakRunning,
		ConfiguredBase: c.configuredBase,
		ResolvedBase:   c.resolvedBase,
		PortConflicts:  c.conflicts,
		TotalStarts:    c.totalStarts,
		SpawnFailures:  c.spawnFailures,
		Terminations:   c.terminations,
		ReadyAfter:     c.readyAfter,
		ExitCodes:      make(map[int]int64, len(c.exitCodes)),
	}

	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.uptimes) > 0 {
		sorted := make([]time.Duration, len(c.uptimes))
		copy(sorted, c.uptimes)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeP99 = percentile(sorted, 0.99)
	}

	return s
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
