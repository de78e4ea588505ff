package channel

// State is the connection state of the Manager. Transitions are driven by
// the socket lifecycle and by manual Connect/Disconnect calls only.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected

	// StateFailed is the terminal state after the reconnect attempt cap is
	// exhausted. Automatic reconnection stops; a manual Connect call resets
	// the counter and leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
