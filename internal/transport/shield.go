package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
)

// IsDisconnect reports whether err indicates a closed or broken channel:
// the peer went away, the pipe broke, or the connection wrapper was already
// closed. These are expected during client disconnection and are never
// surfaced as faults.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}

// GuardedSend is the transport fault shield. It executes send and absorbs
// disconnect-class errors: a write to a closed or broken transport is logged
// at info level and treated as a successful no-op, so a vanished client can
// never crash the owning supervisor. Any other error is a genuine fault and
// is returned to the caller.
func GuardedSend(logger *slog.Logger, send func() error) error {
	err := send()
	if err == nil {
		return nil
	}

	if IsDisconnect(err) {
		logger.Info("transport closed, dropping outbound message", "error", err)
		return nil
	}

	return err
}
