// Package probe waits for a child's TCP listener to accept connections.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

const (
	// DefaultInterval is the pause between connection attempts.
	DefaultInterval = time.Second

	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = time.Second
)

// TimeoutError is returned when the listener did not come up in time.
type TimeoutError struct {
	Addr     string
	Waited   time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not ready after %s (%d attempts)", e.Addr, e.Waited.Round(time.Millisecond), e.Attempts)
}

// Options configures a Prober.
type Options struct {
	// Interval between attempts. Defaults to DefaultInterval.
	Interval time.Duration

	// DialTimeout per attempt. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// Timeout bounds the whole wait. Zero waits until success or
	// context cancellation.
	Timeout time.Duration

	Logger *slog.Logger
}

// Prober polls a TCP address until it accepts a connection. It keeps a
// digest of attempt latencies across calls.
type Prober struct {
	interval    time.Duration
	dialTimeout time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	dialer      net.Dialer

	mu       sync.Mutex
	digest   *tdigest.TDigest
	attempts int
	samples  int
}

// NewProber creates a Prober.
func NewProber(opts Options) *Prober {
	p := &Prober{
		interval:    opts.Interval,
		dialTimeout: opts.DialTimeout,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		digest:      tdigest.NewWithCompression(100),
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.dialTimeout <= 0 {
		p.dialTimeout = DefaultDialTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AwaitReady blocks until host:port accepts a connection. Failed attempts
// are not reported; only success, the timeout or ctx end the wait.
func (p *Prober) AwaitReady(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(fleet.ProbeHost(host), strconv.Itoa(port))
	start := time.Now()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.logger.Info("awaiting_readiness", "addr", addr, "timeout", p.timeout.String())

	attempts := 0
	for {
		attempts++
		if p.try(ctx, addr) {
			p.logger.Info("child_ready",
				"addr", addr,
				"attempts", attempts,
				"waited", time.Since(start).String(),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			if p.timeout > 0 && ctx.Err() == context.DeadlineExceeded {
				return &TimeoutError{Addr: addr, Waited: time.Since(start), Attempts: attempts}
			}
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// try makes one connection attempt and records its latency.
func (p *Prober) try(ctx context.Context, addr string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	began := time.Now()
	conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
	elapsed := time.Since(began)

	p.mu.Lock()
	p.attempts++
	p.samples++
	p.digest.Add(float64(elapsed.Nanoseconds()), 1)
	p.mu.Unlock()

	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Attempts returns the number of connection attempts made so far.
func (p *Prober) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// LatencyQuantile returns the q-quantile (0..1) of attempt latencies, or 0
// before any attempt.
func (p *Prober) LatencyQuantile(q float64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples == 0 {
		return 0
	}
	return time.Duration(p.digest.Quantile(q))
}

// AwaitReady is a one-shot wait with the given options.
func AwaitReady(ctx context.Context, host string, port int, opts Options) error {
	return NewProber(opts).AwaitReady(ctx, host, port)
}
