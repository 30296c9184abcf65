package orchestrator

// Phase is the controller's externally visible state.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseRecovering   Phase = "recovering"
	PhaseReady        Phase = "ready"
	PhaseDegraded     Phase = "degraded"
	PhaseAuthDegraded Phase = "auth_degraded"
	PhaseShuttingDown Phase = "shutting_down"
)

// lifecycle is the coarse process stage; degraded and auth_degraded are
// conditions layered on top of lifecycleServing.
type lifecycle int

const (
	lifecycleInitializing lifecycle = iota
	lifecycleRecovering
	lifecycleServing
	lifecycleShuttingDown
)

type phaseState struct {
	stage        lifecycle
	degraded     bool
	tokenInvalid bool
}

// phase resolves the reported phase. shutting_down wins over auth_degraded,
// which wins over degraded.
func (s phaseState) phase() Phase {
	switch s.stage {
	case lifecycleInitializing:
		return PhaseInitializing
	case lifecycleRecovering:
		return PhaseRecovering
	case lifecycleShuttingDown:
		return PhaseShuttingDown
	}
	switch {
	case s.tokenInvalid:
		return PhaseAuthDegraded
	case s.degraded:
		return PhaseDegraded
	default:
		return PhaseReady
	}
}

// admitting reports whether new tasks may be accepted at all.
func (s phaseState) admitting() bool {
	return s.stage == lifecycleServing
}
