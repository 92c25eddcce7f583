package work

import (
	"context"
	"fmt"
	"sync"
)

// Func is an in-process unit of work. The context is the interruption point:
// the function must return promptly once ctx is cancelled. emit publishes
// progress payloads and never blocks the caller for long.
type Func func(ctx context.Context, emit func(map[string]any), params map[string]any) (map[string]any, error)

// FuncStarter dispatches operations to in-process functions by op name
type FuncStarter map[string]Func

// Start implements Starter
func (s FuncStarter) Start(ctx context.Context, id, op string, params map[string]any) (Handle, error) {
	fn, ok := s[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	return Go(ctx, fn, params), nil
}

// FuncHandle runs a Func on its own goroutine and adapts it to the Handle
// contract.
type FuncHandle struct {
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
	notes      chan map[string]any

	mu     sync.Mutex
	result map[string]any
	err    error
}

// Go starts fn on a new goroutine and returns its handle
func Go(ctx context.Context, fn Func, params map[string]any) *FuncHandle {
	ctx, cancel := context.WithCancel(ctx)

	h := &FuncHandle{
		cancel: cancel,
		done:   make(chan struct{}),
		notes:  make(chan map[string]any, 16),
	}

	go func() {
		defer close(h.done)
		defer close(h.notes)

		emit := func(payload map[string]any) {
			select {
			case h.notes <- payload:
			case <-ctx.Done():
			}
		}

		result, err := fn(ctx, emit, params)

		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
	}()

	return h
}

// Cancel implements Handle
func (h *FuncHandle) Cancel() {
	h.cancelOnce.Do(h.cancel)
}

// Done implements Handle
func (h *FuncHandle) Done() <-chan struct{} {
	return h.done
}

// Result implements Handle
func (h *FuncHandle) Result() (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Notes implements Handle
func (h *FuncHandle) Notes() <-chan map[string]any {
	return h.notes
}

// Release implements Handle. Cancelling the context is sufficient: the
// goroutine owns no other resources.
func (h *FuncHandle) Release() {
	h.cancel()
}
