package sessionmgr

// State is the lifecycle state of a session.
type State int

const (
	StateInitializing State = iota
	StateNotReady
	StateReady
	StateConnecting
	StateConnected
	StatePaused
	StateDisconnecting
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateNotReady:
		return "NotReady"
	case StateReady:
		return "Ready"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StatePaused:
		return "Paused"
	case StateDisconnecting:
		return "Disconnecting"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// tunnelUp reports whether the backend holds a live tunnel whose
// statistics are meaningful.
func (s State) tunnelUp() bool {
	return s == StateConnected || s == StatePaused
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateInitializing; st <= StateTerminated; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}
