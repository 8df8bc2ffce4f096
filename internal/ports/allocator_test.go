package ports

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Fake dialer
// =============================================================================

// fakeDialer treats every port in busy as bound, whatever the host.
type fakeDialer struct {
	mu    sync.Mutex
	busy  map[int]bool
	calls []string
}

func newFakeDialer(busyPorts ...int) *fakeDialer {
	d := &fakeDialer{busy: make(map[int]bool)}
	for _, p := range busyPorts {
		d.busy[p] = true
	}
	return d
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)

	d.mu.Lock()
	d.calls = append(d.calls, address)
	busy := d.busy[port]
	d.mu.Unlock()

	if !busy {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func (d *fakeDialer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Resolve
// =============================================================================

func TestResolve_NoConflicts(t *testing.T) {
	d := newFakeDialer()
	a := New(Config{Dialer: d, Logger: discardLogger()})

	got, err := a.Resolve(context.Background(), "localhost", 8000, []int{10, 20, 30})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 8000 {
		t.Errorf("Resolve = %d, want 8000", got)
	}
	if len(d.Calls()) != 3 {
		t.Errorf("expected 3 probes, got %v", d.Calls())
	}
}

func TestResolve_Idempotent(t *testing.T) {
	d := newFakeDialer(8010)
	offsets := []int{10, 20, 30}

	first, err := New(Config{Dialer: d, Logger: discardLogger()}).Resolve(context.Background(), "localhost", 8000, offsets)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	second, err := New(Config{Dialer: d, Logger: discardLogger()}).Resolve(context.Background(), "localhost", 8000, offsets)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if first != second {
		t.Errorf("Resolve not idempotent: %d then %d", first, second)
	}
}

func TestResolve_RepeatableOnOneAllocator(t *testing.T) {
	d := newFakeDialer(8010)
	a := New(Config{Dialer: d, Logger: discardLogger()})
	offsets := []int{10, 20, 30}

	for i := 0; i < 3; i++ {
		got, err := a.Resolve(context.Background(), "localhost", 8000, offsets)
		if err != nil {
			t.Fatalf("Resolve #%d failed: %v", i+1, err)
		}
		if got != 8001 {
			t.Errorf("Resolve #%d = %d, want 8001", i+1, got)
		}
	}
}

func TestAutoStrategy_Reset(t *testing.T) {
	s := NewAutoStrategy(1)
	ctx := context.Background()
	conflict := &ConflictError{BasePort: 8000, Offsets: []int{10}}

	if next, _ := s.Next(ctx, conflict); next != 8001 {
		t.Fatalf("next = %d, want 8001", next)
	}
	s.Reset()
	if next, _ := s.Next(ctx, conflict); next != 8001 {
		t.Errorf("next after Reset = %d, want 8001", next)
	}
}

func TestResolve_ConflictNeverAccepted(t *testing.T) {
	// 8010 is taken: base 8000 must be rejected for K=10.
	d := newFakeDialer(8010)
	var sweeps []int
	var conflicts []*ConflictError

	a := New(Config{
		Dialer: d,
		Logger: discardLogger(),
		OnSweep: func(base int, c *ConflictError) {
			sweeps = append(sweeps, base)
			if c != nil {
				conflicts = append(conflicts, c)
			}
		},
	})

	got, err := a.Resolve(context.Background(), "localhost", 8000, []int{10, 20, 30})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == 8000 {
		t.Fatal("Resolve accepted a colliding base port")
	}
	if got != 8001 {
		t.Errorf("Resolve = %d, want 8001 (next untested base)", got)
	}
	if len(conflicts) != 1 || conflicts[0].Ports[0] != 8010 {
		t.Errorf("conflicts = %+v", conflicts)
	}
	if len(sweeps) != 2 || sweeps[0] != 8000 || sweeps[1] != 8001 {
		t.Errorf("sweeps = %v", sweeps)
	}
}

func TestResolve_SweepIsAtomic(t *testing.T) {
	// Only the last offset collides; the whole base is still rejected.
	d := newFakeDialer(8030, 8031)
	a := New(Config{Dialer: d, Logger: discardLogger()})

	got, err := a.Resolve(context.Background(), "localhost", 8000, []int{10, 20, 30})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 8002 {
		t.Errorf("Resolve = %d, want 8002", got)
	}
}

func TestResolve_WildcardProbedOnLoopback(t *testing.T) {
	d := newFakeDialer(8010)
	a := New(Config{Dialer: d, Logger: discardLogger()})

	got, err := a.Resolve(context.Background(), "0.0.0.0", 8000, []int{10})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == 8000 {
		t.Error("wildcard host did not detect loopback conflict")
	}
	for _, addr := range d.Calls() {
		if !strings.HasPrefix(addr, "127.0.0.1:") {
			t.Errorf("probe went to %s, want loopback", addr)
		}
	}
}

func TestResolve_Exhausted(t *testing.T) {
	always := StrategyFunc(func(ctx context.Context, c *ConflictError) (int, error) {
		return c.BasePort, nil
	})
	d := newFakeDialer(8010)
	a := New(Config{Dialer: d, Strategy: always, MaxAttempts: 3, Logger: discardLogger()})

	_, err := a.Resolve(context.Background(), "localhost", 8000, []int{10})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
	if len(d.Calls()) != 3 {
		t.Errorf("expected 3 sweeps, got %d probes", len(d.Calls()))
	}
}

func TestResolve_OutOfRange(t *testing.T) {
	a := New(Config{Dialer: newFakeDialer(), Logger: discardLogger()})

	_, err := a.Resolve(context.Background(), "localhost", 65530, []int{10})
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestResolve_StrategyError(t *testing.T) {
	boom := errors.New("operator gave up")
	s := StrategyFunc(func(ctx context.Context, c *ConflictError) (int, error) { return 0, boom })
	a := New(Config{Dialer: newFakeDialer(8010), Strategy: s, Logger: discardLogger()})

	_, err := a.Resolve(context.Background(), "localhost", 8000, []int{10})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped strategy error", err)
	}
}

func TestResolve_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(Config{Dialer: newFakeDialer(), Logger: discardLogger()})
	_, err := a.Resolve(ctx, "localhost", 8000, []int{10})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResolve_NoOffsets(t *testing.T) {
	a := New(Config{Dialer: newFakeDialer(), Logger: discardLogger()})
	if _, err := a.Resolve(context.Background(), "localhost", 8000, nil); err == nil {
		t.Error("expected error for empty offsets")
	}
}

// =============================================================================
// Real sockets
// =============================================================================

func TestResolve_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	bound := ln.Addr().(*net.TCPAddr).Port
	if bound < 11 {
		t.Skip("ephemeral port too low for offset test")
	}
	base := bound - 10

	a := New(Config{DialTimeout: 200 * time.Millisecond, Logger: discardLogger()})

	err = a.Sweep(context.Background(), "127.0.0.1", base, []int{10})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Sweep = %v, want ConflictError", err)
	}
	if conflict.Ports[0] != bound {
		t.Errorf("conflict port = %d, want %d", conflict.Ports[0], bound)
	}

	got, err := a.Resolve(context.Background(), "127.0.0.1", base, []int{10})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got == base {
		t.Error("Resolve returned the colliding base port")
	}
}

func TestInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	a := New(Config{DialTimeout: time.Second, Logger: discardLogger()})

	if !a.inUse(context.Background(), "127.0.0.1", port) {
		t.Error("inUse = false for a bound port")
	}

	ln.Close()
	if a.inUse(context.Background(), "127.0.0.1", port) {
		t.Error("inUse = true after the listener closed")
	}
}

func TestConflictError_Message(t *testing.T) {
	err := &ConflictError{Host: "localhost", BasePort: 8000, Ports: []int{8010, 8030}}
	msg := err.Error()
	for _, want := range []string{"localhost", "8010", "8030", "8000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

// =============================================================================
// Strategies
// =============================================================================

func TestAutoStrategy_SkipsTried(t *testing.T) {
	s := NewAutoStrategy(1)
	ctx := context.Background()

	next, _ := s.Next(ctx, &ConflictError{BasePort: 8000, Offsets: []int{10}})
	if next != 8001 {
		t.Fatalf("next = %d, want 8001", next)
	}
	// Operator-style jump back to an already tried base
	next, _ = s.Next(ctx, &ConflictError{BasePort: 7999, Offsets: []int{10}})
	if next != 8002 {
		t.Errorf("next = %d, want 8002 (8000 and 8001 already tried)", next)
	}
}

func TestAutoStrategy_Step(t *testing.T) {
	s := NewAutoStrategy(100)
	next, err := s.Next(context.Background(), &ConflictError{BasePort: 8000, Offsets: []int{10}})
	if err != nil || next != 8100 {
		t.Errorf("next = %d, %v; want 8100", next, err)
	}
	if NewAutoStrategy(0).step != 1 {
		t.Error("zero step should default to 1")
	}
}

func TestAutoStrategy_RangeExhausted(t *testing.T) {
	s := NewAutoStrategy(1)
	_, err := s.Next(context.Background(), &ConflictError{BasePort: 65525, Offsets: []int{10}})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestPromptStrategy(t *testing.T) {
	conflict := &ConflictError{Host: "localhost", BasePort: 8000, Offsets: []int{10}, Ports: []int{8010}}

	testCases := []struct {
		name    string
		input   string
		want    int
		wantErr error
	}{
		{"explicit", "9000\n", 9000, nil},
		{"default", "\n", 8001, nil},
		{"retry after garbage", "abc\n9100\n", 9100, nil},
		{"retry after overflow", "65530\n9200\n", 9200, nil},
		{"eof", "", 0, ErrPromptAborted},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			s := NewPromptStrategy(strings.NewReader(tc.input), &out)

			got, err := s.Next(context.Background(), conflict)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Next = %d, want %d", got, tc.want)
			}
			if !strings.Contains(out.String(), "8010") {
				t.Errorf("prompt did not mention the conflicting port: %q", out.String())
			}
		})
	}
}

func TestResolve_WithPromptStrategy(t *testing.T) {
	d := newFakeDialer(8010)
	var out bytes.Buffer
	a := New(Config{
		Dialer:   d,
		Strategy: NewPromptStrategy(strings.NewReader("9000\n"), &out),
		Logger:   discardLogger(),
	})

	got, err := a.Resolve(context.Background(), "localhost", 8000, []int{10, 20})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != 9000 {
		t.Errorf("Resolve = %d, want 9000", got)
	}
}
