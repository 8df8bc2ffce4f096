// Package ports resolves a base port whose every topic offset is free on
// the target host.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// DefaultDialTimeout bounds a single conflict probe.
const DefaultDialTimeout = 250 * time.Millisecond

// DefaultMaxAttempts bounds the number of full sweeps in Resolve.
const DefaultMaxAttempts = 64

var (
	// ErrExhausted is returned when no acceptable base port was found.
	ErrExhausted = errors.New("no free base port found")

	// ErrOutOfRange is returned when base+offset leaves the TCP port range.
	ErrOutOfRange = errors.New("port out of range")
)

// ConflictError reports the ports of one sweep that are already bound.
type ConflictError struct {
	Host     string
	BasePort int
	Offsets  []int
	Ports    []int // conflicting ports, ascending
}

func (e *ConflictError) Error() string {
	ports := make([]string, len(e.Ports))
	for i, p := range e.Ports {
		ports[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("port conflict on %s: %s already in use (base port %d)",
		e.Host, strings.Join(ports, ", "), e.BasePort)
}

// Dialer opens the short-lived probe connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds configuration for an Allocator.
type Config struct {
	Strategy    Strategy
	DialTimeout time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	Dialer      Dialer

	// OnSweep is called after every sweep with its outcome (nil on success).
	OnSweep func(base int, conflict *ConflictError)
}

// Allocator resolves base ports. It never owns the ports it tests.
type Allocator struct {
	strategy    Strategy
	dialTimeout time.Duration
	maxAttempts int
	logger      *slog.Logger
	dialer      Dialer
	onSweep     func(base int, conflict *ConflictError)
}

// New creates an Allocator. A nil Strategy defaults to AutoStrategy.
func New(cfg Config) *Allocator {
	a := &Allocator{
		strategy:    cfg.Strategy,
		dialTimeout: cfg.DialTimeout,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		dialer:      cfg.Dialer,
		onSweep:     cfg.OnSweep,
	}
	if a.strategy == nil {
		a.strategy = NewAutoStrategy(1)
	}
	if a.dialTimeout <= 0 {
		a.dialTimeout = DefaultDialTimeout
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxAttempts
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.dialer == nil {
		a.dialer = &net.Dialer{}
	}
	return a
}

// Resolve returns a base port for which every base+offset is free on host.
// A conflicting base is never returned: the whole base is rejected and the
// strategy picks the next candidate.
func (a *Allocator) Resolve(ctx context.Context, host string, base int, offsets []int) (int, error) {
	if len(offsets) == 0 {
		return 0, errors.New("resolve: no offsets")
	}
	if r, ok := a.strategy.(resetter); ok {
		r.Reset()
	}

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if !fleet.PortRangeFits(base, offsets) {
			return 0, fmt.Errorf("base port %d with max offset %d: %w", base, fleet.MaxOffset(offsets), ErrOutOfRange)
		}

		err := a.Sweep(ctx, host, base, offsets)
		var conflict *ConflictError
		switch {
		case err == nil:
			a.logger.Debug("base_port_clear", "host", host, "base_port", base, "attempt", attempt)
			if a.onSweep != nil {
				a.onSweep(base, nil)
			}
			return base, nil
		case errors.As(err, &conflict):
			a.logger.Warn("port_conflict",
				"host", host,
				"base_port", base,
				"ports", conflict.Ports,
				"attempt", attempt,
			)
			if a.onSweep != nil {
				a.onSweep(base, conflict)
			}
		default:
			return 0, err
		}

		next, err := a.strategy.Next(ctx, conflict)
		if err != nil {
			return 0, fmt.Errorf("resolving conflict at base port %d: %w", base, err)
		}
		base = next
	}

	return 0, fmt.Errorf("%w after %d attempts", ErrExhausted, a.maxAttempts)
}

// Sweep probes base+o for every offset. It returns a *ConflictError listing
// all ports that accepted a connection, or nil when all are free.
func (a *Allocator) Sweep(ctx context.Context, host string, base int, offsets []int) error {
	var busy []int
	for _, o := range offsets {
		if err := ctx.Err(); err != nil {
			return err
		}
		port := base + o
		if a.inUse(ctx, host, port) {
			busy = append(busy, port)
		}
	}

	if len(busy) == 0 {
		return nil
	}
	sort.Ints(busy)
	return &ConflictError{
		Host:     host,
		BasePort: base,
		Offsets:  append([]int(nil), offsets...),
		Ports:    busy,
	}
}

// inUse reports whether something accepts connections on host:port.
// Refused, unreachable and timed-out probes all count as free.
func (a *Allocator) inUse(ctx context.Context, host string, port int) bool {
	dialCtx, cancel := context.WithTimeout(ctx, a.dialTimeout)
	defer cancel()

	addr := net.JoinHostPort(fleet.ProbeHost(host), strconv.Itoa(port))
	conn, err := a.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
