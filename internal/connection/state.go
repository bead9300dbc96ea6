// Package connection owns the single persistent STOMP-over-WebSocket broker
// connection of a logged-in session.
package connection

// State is the connection lifecycle state. It is owned exclusively by the
// Manager: transitions happen only in reaction to transport callbacks,
// never by other components.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the string representation of the state.
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
