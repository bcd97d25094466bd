package transport

// State is the lifecycle state of a Client.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	// StateReconnecting is closed with a reconnect timer armed.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
