package operation

import (
	"fmt"
	"sync"
	"time"
)

// Canceller delivers cooperative cancellation to a unit of work. Cancel must
// be idempotent; it requests interruption, it does not preempt.
type Canceller interface {
	Cancel()
}

// Record tracks one in-flight operation. The supervisor that registered the
// id owns all state writes; the cancellation propagator and the response gate
// touch the record only through SignalCancel and TryRespond.
type Record struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	responded    bool
	disconnected bool
	result       map[string]any
	err          error
	canceller    Canceller

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newRecord(id string) *Record {
	return &Record{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		state:     StatePending,
		cancelled: make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState transitions the record to next. Transitions are monotonic; an
// invalid transition indicates broken supervisor discipline and is returned
// as an error so the caller can abort loudly instead of masking it.
func (r *Record) SetState(next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStateLocked(next)
}

func (r *Record) setStateLocked(next State) error {
	if !r.state.validNext(next) {
		return fmt.Errorf("invalid state transition for operation %s: %s -> %s", r.ID, r.state, next)
	}
	r.state = next
	return nil
}

// Bind attaches the cancellable work handle. If a cancel signal raced ahead
// of the bind, the cancellation is delivered immediately.
func (r *Record) Bind(c Canceller) {
	r.mu.Lock()
	cancelling := r.state == StateCancelling
	r.canceller = c
	r.mu.Unlock()

	if cancelling && c != nil {
		c.Cancel()
	}
}

// SignalCancel delivers a cooperative cancellation to the operation. It is
// idempotent and a no-op once the record is terminal. Returns true if this
// call transitioned the record to Cancelling.
func (r *Record) SignalCancel() bool {
	r.mu.Lock()
	if r.state.Terminal() || r.state == StateCancelling {
		r.mu.Unlock()
		return false
	}
	r.state = StateCancelling
	c := r.canceller
	r.mu.Unlock()

	r.cancelOnce.Do(func() { close(r.cancelled) })
	if c != nil {
		c.Cancel()
	}
	return true
}

// CancelRequested returns a channel that is closed once a cancel signal has
// been delivered for this operation.
func (r *Record) CancelRequested() <-chan struct{} {
	return r.cancelled
}

// MarkDisconnected notes that the transport owning this operation was
// observed closed. Independent of the lifecycle state.
func (r *Record) MarkDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = true
}

// Disconnected reports whether the owning transport was observed closed
func (r *Record) Disconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

// Complete records a successful terminal transition with the work's result
func (r *Record) Complete(result map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setStateLocked(StateCompleted); err != nil {
		return err
	}
	r.result = result
	return nil
}

// Fail records a failed terminal transition with the work's error
func (r *Record) Fail(cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setStateLocked(StateFailed); err != nil {
		return err
	}
	r.err = cause
	return nil
}

// FinishCancelled records the terminal Cancelled transition
func (r *Record) FinishCancelled() error {
	return r.SetState(StateCancelled)
}

// Outcome returns the terminal result or error. Only meaningful once the
// record is in a terminal state.
func (r *Record) Outcome() (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}
