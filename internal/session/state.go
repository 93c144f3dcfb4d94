package session

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Connecting
	Live
	Retrying
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Retrying:
		return "retrying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds or is waiting to reopen a
// subscription.
func (s State) Active() bool {
	return s == Connecting || s == Live || s == Retrying
}
