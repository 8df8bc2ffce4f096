package orchestrator

// Phase is the lifecycle stage of a launch session.
type Phase int

const (
	PhaseConfiguring Phase = iota
	PhasePortResolving
	PhaseSpawning
	PhaseAwaitingReadiness
	PhaseActive
	PhaseDraining
	PhaseClosed
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseConfiguring:
		return "configuring"
	case PhasePortResolving:
		return "port_resolving"
	case PhaseSpawning:
		return "spawning"
	case PhaseAwaitingReadiness:
		return "awaiting_readiness"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a session in p may move to next. Phases
// only move forward; a failure may skip straight to Draining or Closed.
// Nothing leaves Closed.
func (p Phase) CanTransition(next Phase) bool {
	if p == PhaseClosed || next < PhaseConfiguring || next > PhaseClosed {
		return false
	}
	return next > p
}

// AllPhases returns every phase in order.
func AllPhases() []Phase {
	return []Phase{
		PhaseConfiguring,
		PhasePortResolving,
		PhaseSpawning,
		PhaseAwaitingReadiness,
		PhaseActive,
		PhaseDraining,
		PhaseClosed,
	}
}

func phaseNames() []string {
	phases := AllPhases()
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.String()
	}
	return names
}
