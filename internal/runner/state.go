package runner

// State is the lifecycle state of a supervised run.
type State int

const (
	// StateSetup covers scratch dir creation, fetch, resolve and build.
	StateSetup State = iota

	// StateStarting is entered just before the child is launched.
	StateStarting

	// StateRunning means the readiness check passed or was skipped.
	StateRunning

	// StateStopping means the child is being reaped.
	StateStopping

	// StateStopped is terminal.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the state is a terminal state (stopped).
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// canTransition reports whether from -> to is a legal lifecycle step. A
// failed run may jump to Stopped from any live state.
func canTransition(from, to State) bool {
	if to == StateStopped && !from.IsTerminal() {
		return true
	}
	switch from {
	case StateSetup:
		return to == StateStarting
	case StateStarting:
		return to == StateRunning || to == StateStopping
	case StateRunning:
		return to == StateStopping
	case StateStopping:
		return to == StateStopped
	default:
		return false
	}
}
