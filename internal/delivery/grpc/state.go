package grpc

// State is the lifecycle position of a client connection. A connection only
// moves forward: Connecting, Authenticated, Open, Closing, Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
