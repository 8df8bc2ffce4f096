package fleet

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	testCases := []struct {
		state    State
		expected string
	}{
		{StatePlanned, "planned"},
		{StateSpawning, "spawning"},
		{StateRunning, "running"},
		{StateShuttingDown, "shutting_down"},
		{StateTerminated, "terminated"},
		{State(99), "unknown"},
	}

	for _, tc := range testCases {
		if got := tc.state.String(); got != tc.expected {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.expected)
		}
	}
}

func TestState_CanTransition(t *testing.T) {
	testCases := []struct {
		from, to State
		want     bool
	}{
		{StatePlanned, StateSpawning, true},
		{StateSpawning, StateRunning, true},
		{StateRunning, StateShuttingDown, true},
		{StateShuttingDown, StateTerminated, true},

		// Terminated from anywhere non-terminal
		{StatePlanned, StateTerminated, true},
		{StateSpawning, StateTerminated, true},
		{StateRunning, StateTerminated, true},

		// No skipping, no going back, no cycles
		{StatePlanned, StateRunning, false},
		{StateRunning, StateSpawning, false},
		{StateShuttingDown, StateRunning, false},
		{StateTerminated, StatePlanned, false},
		{StateTerminated, StateTerminated, false},
		{StateRunning, StateRunning, false},
	}

	for _, tc := range testCases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestChild_Lifecycle(t *testing.T) {
	c := NewChild(10, 8010, "http://localhost:8010/", "", "serve")

	if c.State() != StatePlanned {
		t.Fatalf("initial state = %s", c.State())
	}
	if c.ExitCode() != -1 {
		t.Errorf("initial exit code = %d, want -1", c.ExitCode())
	}

	if _, ok := c.Transition(StateSpawning); !ok {
		t.Fatal("Planned -> Spawning rejected")
	}

	proc := &os.Process{Pid: 4242}
	if _, ok := c.MarkRunning(proc, 4242, time.Now()); !ok {
		t.Fatal("Spawning -> Running rejected")
	}
	if c.PID() != 4242 || c.PGID() != 4242 {
		t.Errorf("pid/pgid = %d/%d", c.PID(), c.PGID())
	}
	if c.Process() != proc {
		t.Error("process handle not recorded")
	}

	if _, ok := c.Transition(StateShuttingDown); !ok {
		t.Fatal("Running -> ShuttingDown rejected")
	}

	select {
	case <-c.Done():
		t.Fatal("Done closed before termination")
	default:
	}

	prev, ok := c.MarkExited(143, nil, time.Now())
	if !ok || prev != StateShuttingDown {
		t.Fatalf("MarkExited = %s, %v", prev, ok)
	}
	if c.Process() != nil {
		t.Error("process handle not released after exit")
	}
	if c.ExitCode() != 143 {
		t.Errorf("exit code = %d", c.ExitCode())
	}
	if c.ExitedUnexpectedly() {
		t.Error("exit after shutdown reported as unexpected")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after termination")
	}

	// A second exit is ignored
	if _, ok := c.MarkExited(0, nil, time.Now()); ok {
		t.Error("second MarkExited should be rejected")
	}
}

func TestChild_ExitedUnexpectedly(t *testing.T) {
	c := NewChild(30, 8030, "", "", "serve")
	c.Transition(StateSpawning)
	c.MarkRunning(&os.Process{Pid: 99}, 99, time.Now())

	if c.ExitedUnexpectedly() {
		t.Fatal("running child reported as exited")
	}
	if _, ok := c.MarkExited(1, errors.New("exit status 1"), time.Now()); !ok {
		t.Fatal("Running -> Terminated rejected")
	}
	if !c.ExitedUnexpectedly() {
		t.Error("exit while running not reported as unexpected")
	}
}

func TestChild_MarkFailed(t *testing.T) {
	c := NewChild(20, 8020, "", "", "missing-binary")
	c.Transition(StateSpawning)

	spawnErr := errors.New("executable file not found")
	if _, ok := c.MarkFailed(spawnErr); !ok {
		t.Fatal("MarkFailed rejected")
	}
	if c.State() != StateTerminated {
		t.Errorf("state = %s", c.State())
	}
	if !errors.Is(c.Err(), spawnErr) {
		t.Errorf("Err = %v", c.Err())
	}
	if c.PID() != 0 {
		t.Errorf("PID = %d, want 0", c.PID())
	}
	if c.Uptime() != 0 {
		t.Errorf("Uptime = %v, want 0", c.Uptime())
	}
}

func TestChild_Snapshot(t *testing.T) {
	c := NewChild(30, 8030, "http://h:8030/", "logs/30.log", "serve")
	c.Transition(StateSpawning)
	c.MarkRunning(&os.Process{Pid: 7}, 7, time.Now().Add(-time.Second))

	info := c.Snapshot()
	if info.K != 30 || info.Port != 8030 || info.PID != 7 || info.State != StateRunning {
		t.Errorf("unexpected snapshot: %+v", info)
	}
	if info.Uptime < time.Second {
		t.Errorf("uptime = %v, want >= 1s", info.Uptime)
	}
}

func TestCountByState(t *testing.T) {
	a := NewChild(1, 1, "", "", "")
	b := NewChild(2, 2, "", "", "")
	c := NewChild(3, 3, "", "", "")
	b.Transition(StateSpawning)
	c.MarkFailed(errors.New("boom"))

	counts := CountByState([]*Child{a, b, c})
	if counts[StatePlanned] != 1 || counts[StateSpawning] != 1 || counts[StateTerminated] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
