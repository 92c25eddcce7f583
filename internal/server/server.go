// Package server runs the inbound side of the warden protocol: it reads
// request/cancel messages off the transport, dispatches them to the
// operation supervisor, and turns transport disconnection into a
// cancel-everything sweep followed by a bounded drain.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/warden/internal/ndjson"
	"github.com/iambrandonn/warden/internal/operation"
	"github.com/iambrandonn/warden/internal/protocol"
	"github.com/iambrandonn/warden/internal/supervisor"
	"github.com/iambrandonn/warden/internal/transport"
)

// errClientGone marks a peer-initiated disconnect inside the errgroup so the
// other goroutines unwind; it is not surfaced to the caller.
var errClientGone = errors.New("client disconnected")

// EventLogger persists inbound protocol traffic
type EventLogger interface {
	WriteInbound(msg any) error
}

// TranscriptFormatter renders inbound messages for console display
type TranscriptFormatter interface {
	FormatInbound(msg any) string
}

// Options configures a Server
type Options struct {
	// DrainTimeout bounds the final drain after the transport goes away or
	// the serve context is cancelled.
	DrainTimeout time.Duration

	// MaxMessageBytes caps inbound line size (default ndjson.MaxMessageSize)
	MaxMessageBytes int
}

// Server owns one client connection for its lifetime
type Server struct {
	sup    *supervisor.Supervisor
	in     io.ReadCloser
	dec    *ndjson.Decoder
	conn   *transport.Conn
	logger *slog.Logger
	drain  time.Duration

	// Optional logging/formatting (for CLI integration)
	eventLog   EventLogger
	transcript TranscriptFormatter
	printf     func(format string, args ...any)
}

// New creates a server reading NDJSON messages from in and responding on conn
func New(sup *supervisor.Supervisor, in io.ReadCloser, conn *transport.Conn, logger *slog.Logger, opts Options) *Server {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Server{
		sup:    sup,
		in:     in,
		dec:    ndjson.NewDecoderLimit(in, logger, opts.MaxMessageBytes),
		conn:   conn,
		logger: logger,
		drain:  opts.DrainTimeout,
		// stdout carries the protocol stream, so the console transcript
		// goes to stderr
		printf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
}

// SetEventLog sets the event logger for persistence
func (s *Server) SetEventLog(log EventLogger) {
	s.eventLog = log
}

// SetTranscriptFormatter sets the transcript formatter for console output
func (s *Server) SetTranscriptFormatter(formatter TranscriptFormatter) {
	s.transcript = formatter
}

// Serve processes inbound messages until the peer disconnects or ctx is
// cancelled, then cancels whatever is still running and drains with a bound.
// A vanished peer is a normal way for a session to end, not an error.
func (s *Server) Serve(ctx context.Context) error {
	msgs := make(chan any, 16)

	g, gctx := errgroup.WithContext(ctx)

	// Read pump. Blocks in DecodeEnvelope; unblocked by the closer goroutine
	// shutting the input when gctx ends.
	g.Go(func() error {
		defer close(msgs)
		for {
			msg, err := s.dec.DecodeEnvelope()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				// A malformed line is the client's bug, not a reason to
				// tear down every other operation
				if errors.Is(err, ndjson.ErrMalformed) {
					s.logger.Warn("failed to decode inbound message", "error", err)
					continue
				}
				if !errors.Is(err, io.EOF) {
					s.logger.Warn("transport read failed", "error", err)
				} else {
					s.logger.Info("transport closed by peer")
				}
				return errClientGone
			}

			select {
			case msgs <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Closer: unblocks the read pump when the group winds down
	g.Go(func() error {
		<-gctx.Done()
		s.in.Close()
		return nil
	})

	// Dispatch loop
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg, ok := <-msgs:
				if !ok {
					return errClientGone
				}
				s.dispatch(msg)
			}
		}
	})

	err := g.Wait()

	disconnected := errors.Is(err, errClientGone)
	if disconnected {
		// An abrupt disconnect means "cancel everything owned by this
		// connection". Responses drafted after this point are absorbed by
		// the fault shield.
		s.conn.Close()
		s.sup.DisconnectAll()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()
	if derr := s.sup.Shutdown(drainCtx); derr != nil {
		s.logger.Warn("drain incomplete", "error", derr)
	}

	if disconnected || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) dispatch(msg any) {
	switch m := msg.(type) {
	case *protocol.Request:
		s.notifyInbound(m)
		timeout := time.Duration(m.TimeoutMs) * time.Millisecond
		if err := s.sup.Submit(m.ID, m.Op, m.Params, timeout); err != nil {
			if errors.Is(err, operation.ErrDuplicateOperation) {
				// Caller contract violation: reported immediately, outside
				// the live operation's response gate, which stays with its
				// original owner.
				s.logger.Warn("duplicate operation id", "id", m.ID)
				s.sendClientError(m.ID, protocol.ErrorCodeDuplicateOperation,
					"operation id already in flight")
				return
			}
			s.logger.Error("failed to submit operation", "id", m.ID, "error", err)
		}

	case *protocol.Cancel:
		s.notifyInbound(m)
		s.sup.Cancel(m.ID)

	default:
		s.logger.Warn("unexpected message kind from client",
			"msg_type", fmt.Sprintf("%T", msg))
	}
}

func (s *Server) sendClientError(id string, code protocol.ErrorCode, message string) {
	err := transport.GuardedSend(s.logger, func() error {
		return s.conn.Send(protocol.NewError(id, code, message))
	})
	if err != nil {
		s.logger.Error("failed to send client error", "id", id, "error", err)
	}
}

func (s *Server) notifyInbound(msg any) {
	if s.eventLog != nil {
		if err := s.eventLog.WriteInbound(msg); err != nil {
			s.logger.Warn("failed to log inbound message", "error", err)
		}
	}
	if s.transcript != nil {
		s.printf("%s", s.transcript.FormatInbound(msg))
	}
}
