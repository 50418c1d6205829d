package bridge

// State is the lifecycle state of one call session.
type State int

const (
	// StateConnecting: downstream open, upstream not yet open.
	StateConnecting State = iota
	// StateAwaitingConfig: upstream open, session configuration not yet sent.
	StateAwaitingConfig
	// StateActive: configuration sent, audio flows both directions.
	StateActive
	// StateClosing: one side closed, the other being torn down.
	StateClosing
	// StateClosed: terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateConnecting:     {StateAwaitingConfig, StateClosing},
	StateAwaitingConfig: {StateActive, StateClosing},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
