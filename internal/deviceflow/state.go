package deviceflow

// State is a node of the login state machine.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateWaiting
	StateGranted
	StateDenied
	StateExpired
	StateFatal
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateWaiting:
		return "waiting"
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	case StateFatal:
		return "fatal"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateGranted, StateDenied, StateExpired, StateFatal, StateCancelled:
		return true
	}
	return false
}
