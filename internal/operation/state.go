package operation

// State represents the lifecycle state of one operation.
//
// States move along a single monotonic path:
//
//	Pending -> Running -> {Completed | Cancelled | Failed}
//
// Cancelling is a transient sub-state of Running, entered when a cancel
// signal has been delivered but the work has not yet unwound.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a final state
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// validNext reports whether a transition from s to next is allowed
func (s State) validNext(next State) bool {
	switch s {
	case StatePending:
		// A synchronous start failure goes straight to Failed; a disconnect
		// before the work starts goes straight to Cancelling.
		return next == StateRunning || next == StateFailed || next == StateCancelling
	case StateRunning:
		return next == StateCancelling || next.Terminal()
	case StateCancelling:
		// Cancellation wins: once a cancel signal has been delivered the only
		// terminal state is Cancelled, even if the work completed meanwhile.
		return next == StateCancelled
	default:
		return false
	}
}
