package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/iambrandonn/warden/internal/metrics"
	"github.com/iambrandonn/warden/internal/operation"
	"github.com/iambrandonn/warden/internal/protocol"
	"github.com/iambrandonn/warden/internal/transport"
	"github.com/iambrandonn/warden/internal/work"
)

const (
	// DefaultGracePeriod bounds how long cancelled work may take to unwind
	// before it is force-finalized.
	DefaultGracePeriod = 5 * time.Second

	// DefaultTimeout is the inactivity budget applied when a request carries
	// no timeout of its own.
	DefaultTimeout = 10 * time.Minute
)

// EventLogger persists outbound protocol traffic
type EventLogger interface {
	WriteOutbound(msg any) error
}

// TranscriptFormatter renders outbound messages for console display
type TranscriptFormatter interface {
	FormatOutbound(msg any) string
}

// Options configures a Supervisor
type Options struct {
	GracePeriod    time.Duration
	DefaultTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Supervisor drives operations through their full lifecycle: it registers the
// record, starts the work, races completion against cancellation and the
// inactivity timeout, resolves the terminal state through the response gate,
// and always cleans up the registry slot. One goroutine per operation;
// operations with different ids are fully independent.
type Supervisor struct {
	registry *operation.Registry
	starter  work.Starter
	sender   transport.Sender
	logger   *slog.Logger
	cancels  *Propagator

	grace          time.Duration
	defaultTimeout time.Duration
	metrics        *metrics.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// Optional logging/formatting (for CLI integration)
	eventLog   EventLogger
	transcript TranscriptFormatter
	printf     func(format string, args ...any)
}

// New creates a supervisor over the given registry, work starter and sender
func New(registry *operation.Registry, starter work.Starter, sender transport.Sender, logger *slog.Logger, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Supervisor{
		registry:       registry,
		starter:        starter,
		sender:         sender,
		logger:         logger,
		cancels:        NewPropagator(registry, logger),
		grace:          opts.GracePeriod,
		defaultTimeout: opts.DefaultTimeout,
		metrics:        opts.Metrics,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		// stdout carries the protocol stream, so the console transcript
		// goes to stderr
		printf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
}

// SetEventLog sets the event logger for persistence
func (s *Supervisor) SetEventLog(log EventLogger) {
	s.eventLog = log
}

// SetTranscriptFormatter sets the transcript formatter for console output
func (s *Supervisor) SetTranscriptFormatter(formatter TranscriptFormatter) {
	s.transcript = formatter
}

// Submit registers and starts one operation. The only synchronous failure is
// operation.ErrDuplicateOperation, a caller contract violation that leaves
// the original operation untouched. Every other outcome is delivered
// asynchronously as exactly one terminal response.
func (s *Supervisor) Submit(id, op string, params map[string]any, timeout time.Duration) error {
	rec, err := s.registry.Register(id)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OperationsInFlight.Inc()
	}
	s.logger.Info("operation registered", "id", id, "op", op)

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	if err := rec.SetState(operation.StateRunning); err != nil {
		if rec.State() == operation.StateCancelling {
			// Cancelled before the work ever started (disconnect sweep won
			// the race). Acknowledge and clean up without starting anything.
			s.finishCancelledNoWork(rec)
			return nil
		}
		s.logger.Error("invariant violation, aborting operation", "id", id, "error", err)
		s.registry.Remove(id)
		s.decInFlight(rec)
		return err
	}

	handle, startErr := s.starter.Start(s.baseCtx, id, op, params)
	if startErr != nil {
		// A synchronous start failure is an immediate Failed, delivered
		// through the normal response path.
		s.logger.Error("failed to start work", "id", id, "op", op, "error", startErr)
		if err := rec.Fail(startErr); err != nil {
			s.logger.Error("invariant violation on start failure", "id", id, "error", err)
		}
		s.respond(rec, protocol.NewError(id, protocol.ErrorCodeStartFailure, startErr.Error()))
		s.registry.Remove(id)
		s.decInFlight(rec)
		return nil
	}

	rec.Bind(handle)

	s.wg.Add(1)
	go s.run(rec, handle, timeout)

	return nil
}

// Cancel delivers a best-effort cooperative cancellation for id. Unknown and
// already-terminal ids are no-ops.
func (s *Supervisor) Cancel(id string) {
	s.cancels.Cancel(id)
}

// DisconnectAll reacts to the transport going away: every live operation is
// marked disconnected and cancelled. Best-effort; work already in flight may
// be irrevocable.
func (s *Supervisor) DisconnectAll() int {
	return s.cancels.DisconnectAll()
}

// Shutdown cancels every live operation and waits for all supervisor
// goroutines to drain, bounded by ctx. Never hangs indefinitely.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	defer s.baseCancel()

	if n := s.cancels.CancelAll(); n > 0 {
		s.logger.Info("shutdown: cancelling active operations", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d operations still active", s.registry.Len())
	}
}

// run supervises one operation until its terminal response is resolved. The
// three waits (work done, cancel signalled, inactivity timeout) are raced;
// the first to fire decides the path.
func (s *Supervisor) run(rec *operation.Record, handle work.Handle, timeout time.Duration) {
	defer s.wg.Done()
	defer s.finalize(rec, handle)

	notes := handle.Notes()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case note, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			s.sendProgress(rec, note)
			// Progress counts as activity
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)

		case <-handle.Done():
			// Tie-break: a cancel that arrived strictly before completion
			// wins even if both cases are ready.
			if rec.State() == operation.StateCancelling {
				s.finishCancelled(rec, handle)
			} else {
				s.finishWork(rec, handle)
			}
			return

		case <-rec.CancelRequested():
			s.finishCancelled(rec, handle)
			return

		case <-timer.C:
			// Timeout is cancellation with a synthetic source
			s.logger.Info("operation inactivity timeout, cancelling",
				"id", rec.ID,
				"timeout", timeout)
			rec.SignalCancel()
			s.finishCancelled(rec, handle)
			return
		}
	}
}

// finishWork resolves the natural-completion path. A cancel can still slip in
// between run's state read and the terminal transition here; that is the
// done-vs-cancel tie-break arriving late, and cancellation wins it the same
// way it wins in the select.
func (s *Supervisor) finishWork(rec *operation.Record, handle work.Handle) {
	result, workErr := handle.Result()

	if workErr != nil {
		if err := rec.Fail(workErr); err != nil {
			if rec.State() == operation.StateCancelling {
				s.finishCancelled(rec, handle)
				return
			}
			s.logger.Error("invariant violation, aborting operation", "id", rec.ID, "error", err)
			return
		}
		s.logger.Info("operation failed", "id", rec.ID, "error", workErr)
		s.respond(rec, protocol.NewError(rec.ID, protocol.ErrorCodeWorkFailure, workErr.Error()))
		return
	}

	if err := rec.Complete(result); err != nil {
		if rec.State() == operation.StateCancelling {
			s.finishCancelled(rec, handle)
			return
		}
		s.logger.Error("invariant violation, aborting operation", "id", rec.ID, "error", err)
		return
	}
	s.logger.Info("operation completed", "id", rec.ID)
	s.respond(rec, protocol.NewResult(rec.ID, result))
}

// finishCancelled resolves the cancellation path: wait out the grace period
// for the work to unwind, then acknowledge exactly once. The supervision
// core owns the cancellation acknowledgment; the transport never sends one
// on its own.
func (s *Supervisor) finishCancelled(rec *operation.Record, handle work.Handle) {
	select {
	case <-handle.Done():
	case <-time.After(s.grace):
		// The underlying remote call may leak; that is acceptable but must
		// be visible operationally.
		s.logger.Warn("grace period exceeded, force-finalizing cancelled operation",
			"id", rec.ID,
			"grace", s.grace)
		if s.metrics != nil {
			s.metrics.GraceExceeded.Inc()
		}
	}

	if err := rec.FinishCancelled(); err != nil {
		s.logger.Error("invariant violation, aborting operation", "id", rec.ID, "error", err)
		return
	}

	s.logger.Info("operation cancelled",
		"id", rec.ID,
		"disconnected", rec.Disconnected())
	s.respond(rec, protocol.NewCancelled(rec.ID))
}

// finishCancelledNoWork handles a cancel that landed before any work was
// started: nothing to wait for, just acknowledge and free the slot.
func (s *Supervisor) finishCancelledNoWork(rec *operation.Record) {
	if err := rec.FinishCancelled(); err != nil {
		s.logger.Error("invariant violation, aborting operation", "id", rec.ID, "error", err)
	}
	s.logger.Info("operation cancelled before start", "id", rec.ID)
	s.respond(rec, protocol.NewCancelled(rec.ID))
	s.registry.Remove(rec.ID)
	s.decInFlight(rec)
}

// respond drives the response gate for rec. Losing the gate is not an error:
// some other path already produced the terminal response.
func (s *Supervisor) respond(rec *operation.Record, msg any) {
	won, err := rec.TryRespond(func() error {
		return transport.GuardedSend(s.logger, func() error {
			return s.sender.Send(msg)
		})
	})
	if err != nil {
		s.logger.Error("failed to send terminal response", "id", rec.ID, "error", err)
	}
	if !won {
		s.logger.Debug("response already sent, discarding", "id", rec.ID)
		if s.metrics != nil {
			s.metrics.ResponseRaces.Inc()
		}
		return
	}
	s.notifyOutbound(msg)
}

// sendProgress forwards an out-of-band progress note, shielded like every
// other outbound write. Progress is best-effort and never terminal.
func (s *Supervisor) sendProgress(rec *operation.Record, payload map[string]any) {
	msg := protocol.NewProgress(rec.ID, payload)
	if err := transport.GuardedSend(s.logger, func() error {
		return s.sender.Send(msg)
	}); err != nil {
		s.logger.Error("failed to send progress", "id", rec.ID, "error", err)
		return
	}
	s.notifyOutbound(msg)
}

// finalize releases the operation's resources and frees its registry slot.
// Runs on every path, win or lose on the response gate.
func (s *Supervisor) finalize(rec *operation.Record, handle work.Handle) {
	handle.Release()
	s.registry.Remove(rec.ID)
	s.decInFlight(rec)
}

func (s *Supervisor) decInFlight(rec *operation.Record) {
	if s.metrics == nil {
		return
	}
	s.metrics.OperationsInFlight.Dec()
	// Only terminal states are valid outcome labels; an aborted record that
	// never settled is not counted as an outcome.
	if st := rec.State(); st.Terminal() {
		s.metrics.OperationsTotal.WithLabelValues(string(st)).Inc()
	}
}

func (s *Supervisor) notifyOutbound(msg any) {
	if s.eventLog != nil {
		if err := s.eventLog.WriteOutbound(msg); err != nil {
			s.logger.Warn("failed to log outbound message", "error", err)
		}
	}
	if s.transcript != nil {
		s.printf("%s", s.transcript.FormatOutbound(msg))
	}
}
