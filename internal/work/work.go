// Package work defines the boundary to the remote-work collaborator: the
// external code that actually performs a long-running operation. The
// supervision core only ever sees a Starter and the cancellable Handle it
// returns.
package work

import (
	"context"
)

// Handle is exclusive ownership of one cancellable unit of work. It is held
// by the supervisor that started the operation.
type Handle interface {
	// Cancel requests cooperative interruption. Idempotent; the work decides
	// when to honor it.
	Cancel()

	// Done is closed when the work has terminated, successfully or not
	Done() <-chan struct{}

	// Result returns the work's outcome. Valid only after Done is closed.
	Result() (map[string]any, error)

	// Notes delivers out-of-band progress payloads while the work runs. May
	// return nil when the work emits no progress; the channel is closed when
	// the work terminates.
	Notes() <-chan map[string]any

	// Release frees any resources still held by the work. Called exactly
	// once by the owning supervisor, after the terminal response path has
	// been resolved, whether or not the work has unwound.
	Release()
}

// Starter launches remote work for one operation
type Starter interface {
	Start(ctx context.Context, id, op string, params map[string]any) (Handle, error)
}
