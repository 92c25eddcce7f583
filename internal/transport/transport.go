package transport

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/iambrandonn/warden/internal/ndjson"
)

// ErrClosed is returned by Send once the connection has been closed
var ErrClosed = errors.New("transport closed")

// Sender transmits one outbound protocol message. Implementations must be
// safe for concurrent use; every send in the supervision core goes through
// GuardedSend, never through a Sender directly.
type Sender interface {
	Send(msg any) error
}

// Conn is an NDJSON connection over an arbitrary writer (stdio in the CLI,
// an in-memory pipe in tests). Writes are serialized so concurrent responses
// never interleave within a line.
type Conn struct {
	mu      sync.Mutex
	encoder *ndjson.Encoder
	closer  io.Closer
	closed  bool
	logger  *slog.Logger
}

// NewConn wraps w in an NDJSON connection. If w is also an io.Closer it will
// be closed by Close.
func NewConn(w io.Writer, logger *slog.Logger) *Conn {
	c := &Conn{
		encoder: ndjson.NewEncoder(w, logger),
		logger:  logger,
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Send writes one message as an NDJSON line
func (c *Conn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	return c.encoder.Encode(msg)
}

// Close marks the connection closed. Subsequent sends fail with ErrClosed,
// which the fault shield classifies as a disconnect. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Closed reports whether Close has been called
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
