package orchestrator

import (
	"testing"
	"time"
)

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseConfiguring, "configuring"},
		{PhasePortResolving, "port_resolving"},
		{PhaseSpawning, "spawning"},
		{PhaseAwaitingReadiness, "awaiting_readiness"},
		{PhaseActive, "active"},
		{PhaseDraining, "draining"},
		{PhaseClosed, "closed"},
		{Phase(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestPhase_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		want bool
	}{
		{"configuring to resolving", PhaseConfiguring, PhasePortResolving, true},
		{"resolving to spawning", PhasePortResolving, PhaseSpawning, true},
		{"spawning to awaiting", PhaseSpawning, PhaseAwaitingReadiness, true},
		{"awaiting to active", PhaseAwaitingReadiness, PhaseActive, true},
		{"active to draining", PhaseActive, PhaseDraining, true},
		{"draining to closed", PhaseDraining, PhaseClosed, true},
		{"awaiting to draining", PhaseAwaitingReadiness, PhaseDraining, true},
		{"launch failure to closed", PhaseSpawning, PhaseClosed, true},
		{"backward", PhaseActive, PhaseSpawning, false},
		{"self", PhaseActive, PhaseActive, false},
		{"out of closed", PhaseClosed, PhaseDraining, false},
		{"closed to closed", PhaseClosed, PhaseClosed, false},
		{"unknown target", PhaseActive, Phase(42), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestAllPhases(t *testing.T) {
	phases := AllPhases()
	for i := 1; i < len(phases); i++ {
		if !phases[i-1].CanTransition(phases[i]) {
			t.Errorf("%s -> %s not allowed", phases[i-1], phases[i])
		}
	}
	if names := phaseNames(); len(names) != len(phases) || names[len(names)-1] != "closed" {
		t.Errorf("phaseNames() = %v", names)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatDuration(90 * time.Minute); got != "01:30:00" {
		t.Errorf("formatDuration = %q", got)
	}
	if exitCodeLabel(143) != "(SIGTERM)" || exitCodeLabel(137) != "(SIGKILL)" || exitCodeLabel(7) != "" {
		t.Error("exitCodeLabel mismatch")
	}
	codes := sortedCodes(map[int]int64{143: 2, 0: 1, 1: 4})
	if len(codes) != 3 || codes[0] != 0 || codes[2] != 143 {
		t.Errorf("sortedCodes = %v", codes)
	}
}
