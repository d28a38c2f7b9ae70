package transport

// State is the lifecycle of one room connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// allowedTransitions encodes DISCONNECTED -> CONNECTING -> CONNECTED ->
// (DISCONNECTED | CLOSING) -> CLOSED. Any live state may move to CLOSING.
var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosing, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosing},
	StateConnected:    {StateDisconnected, StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       nil,
}

func canTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
