package worker

// State tracks one recognition request through its lifecycle.
type State int

const (
	StateCreated State = iota
	StateConnected
	StateInitialized
	StateProcessing
	StateEOSReceived
	StateCancelling
	StateFinished
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateProcessing:
		return "processing"
	case StateEOSReceived:
		return "eos_received"
	case StateCancelling:
		return "cancelling"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// active reports whether the silence watchdog monitors this state.
func (s State) active() bool {
	return s == StateConnected || s == StateInitialized || s == StateProcessing
}
