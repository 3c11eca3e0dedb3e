package stream

// State is the lifecycle position of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Subscribed
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Authenticating:
		return "AUTHENTICATING"
	case Subscribed:
		return "SUBSCRIBED"
	case Reconnecting:
		return "RECONNECTING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
