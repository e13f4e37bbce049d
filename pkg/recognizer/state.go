package recognizer

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRecording
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a recognition cycle is in progress.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateRecording
}

var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting, StateStopped},
	StateConnecting: {StateConnected, StateStopped, StateError, StateIdle},
	StateConnected:  {StateRecording, StateStopped, StateError, StateIdle},
	StateRecording:  {StateStopped, StateError, StateIdle},
	StateStopped:    {StateConnecting},
	StateError:      {StateConnecting, StateStopped},
}

// transitionValid checks if a state transition is allowed.
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
