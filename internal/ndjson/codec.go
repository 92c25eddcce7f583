package ndjson

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/iambrandonn/warden/internal/protocol"
)

// MaxMessageSize is the default maximum NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// ErrMalformed marks a single bad line on an otherwise healthy stream.
// Callers may skip the line and keep reading; any other decode error means
// the stream itself is gone.
var ErrMalformed = errors.New("malformed message")

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
	limit  int
}

// NewEncoder creates a new NDJSON encoder with the default size limit
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return NewEncoderLimit(w, logger, MaxMessageSize)
}

// NewEncoderLimit creates an NDJSON encoder with a custom size limit
func NewEncoderLimit(w io.Writer, logger *slog.Logger, limit int) *Encoder {
	if limit <= 0 {
		limit = MaxMessageSize
	}
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
		limit:  limit,
	}
}

// Encode writes a message as a single JSON line and flushes it immediately
// so that responses are visible to the peer without buffering delay.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > e.limit {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", e.limit)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), e.limit)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder with the default size limit
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	return NewDecoderLimit(r, logger, MaxMessageSize)
}

// NewDecoderLimit creates an NDJSON decoder with a custom size limit
func NewDecoderLimit(r io.Reader, logger *slog.Logger, limit int) *Decoder {
	if limit <= 0 {
		limit = MaxMessageSize
	}
	scanner := bufio.NewScanner(r)

	// The scanner buffer doubles as size-limit enforcement: an oversized
	// line surfaces as bufio.ErrTooLong.
	buf := make([]byte, limit)
	scanner.Buffer(buf, limit)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Decode reads the next NDJSON message into v, skipping empty lines.
// Returns io.EOF when the stream is exhausted.
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()

		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return fmt.Errorf("%w: failed to unmarshal line %d: %w", ErrMalformed, d.lineNum, err)
		}

		return nil
	}
}

// DecodeEnvelope reads the next message and routes it to the concrete
// protocol type based on its "kind" field.
func (d *Decoder) DecodeEnvelope() (any, error) {
	var envelope map[string]any
	if err := d.Decode(&envelope); err != nil {
		return nil, err
	}

	kind, ok := envelope["kind"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: line %d: missing or invalid 'kind' field", ErrMalformed, d.lineNum)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("line %d: failed to re-marshal envelope: %w", d.lineNum, err)
	}

	switch protocol.MessageKind(kind) {
	case protocol.MessageKindRequest:
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode request: %w", ErrMalformed, d.lineNum, err)
		}
		return &req, nil

	case protocol.MessageKindCancel:
		var c protocol.Cancel
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode cancel: %w", ErrMalformed, d.lineNum, err)
		}
		return &c, nil

	case protocol.MessageKindResult:
		var res protocol.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode result: %w", ErrMalformed, d.lineNum, err)
		}
		return &res, nil

	case protocol.MessageKindError:
		var e protocol.Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode error: %w", ErrMalformed, d.lineNum, err)
		}
		return &e, nil

	case protocol.MessageKindCancelled:
		var ack protocol.Cancelled
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode cancelled: %w", ErrMalformed, d.lineNum, err)
		}
		return &ack, nil

	case protocol.MessageKindProgress:
		var p protocol.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode progress: %w", ErrMalformed, d.lineNum, err)
		}
		return &p, nil

	case protocol.MessageKindLog:
		var l protocol.Log
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("%w: line %d: failed to decode log: %w", ErrMalformed, d.lineNum, err)
		}
		return &l, nil

	default:
		d.logger.Warn("unknown message kind",
			"line", d.lineNum,
			"kind", kind)
		return nil, fmt.Errorf("%w: line %d: unknown message kind: %s", ErrMalformed, d.lineNum, kind)
	}
}
