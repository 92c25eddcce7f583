package supervisor

import (
	"log/slog"

	"github.com/iambrandonn/warden/internal/operation"
)

// Propagator receives external cancel signals and delivers cooperative
// cancellation to the owning operation. Signals for unknown or already
// terminal ids are no-ops: the cancellation simply arrived too late.
type Propagator struct {
	registry *operation.Registry
	logger   *slog.Logger
}

// NewPropagator creates a propagator over the given registry
func NewPropagator(registry *operation.Registry, logger *slog.Logger) *Propagator {
	return &Propagator{
		registry: registry,
		logger:   logger,
	}
}

// Cancel delivers a cancel signal for one id. Idempotent: a second signal
// for the same id has no further effect. Returns true if this call actually
// transitioned the operation to Cancelling.
func (p *Propagator) Cancel(id string) bool {
	rec, ok := p.registry.Lookup(id)
	if !ok {
		p.logger.Debug("cancel for unknown operation, ignoring", "id", id)
		return false
	}

	if !rec.SignalCancel() {
		p.logger.Debug("cancel for settled operation, ignoring", "id", id, "state", rec.State())
		return false
	}

	p.logger.Info("cancellation delivered", "id", id)
	return true
}

// CancelAll cancels every live operation. Used at shutdown.
func (p *Propagator) CancelAll() int {
	n := 0
	for _, rec := range p.registry.Active() {
		if rec.SignalCancel() {
			n++
		}
	}
	return n
}

// DisconnectAll treats a transport disconnect as "cancel everything owned by
// this connection": every live operation is marked disconnected, then
// cancelled. Best-effort by design; remote work already in flight may be
// irrevocable.
func (p *Propagator) DisconnectAll() int {
	recs := p.registry.Active()
	for _, rec := range recs {
		rec.MarkDisconnected()
	}

	n := 0
	for _, rec := range recs {
		if rec.SignalCancel() {
			n++
		}
	}

	if n > 0 {
		p.logger.Info("transport disconnected, cancelled all live operations", "count", n)
	}
	return n
}
