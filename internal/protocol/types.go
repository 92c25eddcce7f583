package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind represents the envelope type
type MessageKind string

const (
	// Inbound (client -> warden)
	MessageKindRequest MessageKind = "request"
	MessageKindCancel  MessageKind = "cancel"

	// Outbound (warden -> client)
	MessageKindResult    MessageKind = "result"
	MessageKindError     MessageKind = "error"
	MessageKindCancelled MessageKind = "cancelled"
	MessageKindProgress  MessageKind = "progress"
	MessageKindLog       MessageKind = "log"
)

// ErrorCode classifies a terminal error payload
type ErrorCode string

const (
	// ErrorCodeDuplicateOperation means the caller reused a request id that is
	// still live. The original operation is unaffected.
	ErrorCodeDuplicateOperation ErrorCode = "duplicate_operation"
	// ErrorCodeWorkFailure means the worker reported an error; the error is the
	// terminal payload, not a fault.
	ErrorCodeWorkFailure ErrorCode = "work_failure"
	// ErrorCodeStartFailure means the worker could not be started at all.
	ErrorCodeStartFailure ErrorCode = "start_failure"
)

// Request asks warden to start one operation. The id is assigned by the caller
// and must be unique among in-flight operations.
type Request struct {
	Kind      MessageKind    `json:"kind"`
	MessageID string         `json:"message_id,omitempty"`
	ID        string         `json:"id"`
	Op        string         `json:"op"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// Cancel requests best-effort cancellation of an in-flight operation.
// Unknown or already-terminal ids are silently ignored.
type Cancel struct {
	Kind      MessageKind `json:"kind"`
	MessageID string      `json:"message_id,omitempty"`
	ID        string      `json:"id"`
}

// Result is the terminal success payload for one operation
type Result struct {
	Kind        MessageKind    `json:"kind"`
	MessageID   string         `json:"message_id"`
	ID          string         `json:"id"`
	Payload     map[string]any `json:"payload"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Error is the terminal error payload for one operation
type Error struct {
	Kind      MessageKind `json:"kind"`
	MessageID string      `json:"message_id"`
	ID        string      `json:"id"`
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
}

// Cancelled is the terminal cancellation acknowledgment for one operation.
// The supervision core is the single owner of this message; the transport
// layer never acknowledges a cancel on its own.
type Cancelled struct {
	Kind      MessageKind `json:"kind"`
	MessageID string      `json:"message_id"`
	ID        string      `json:"id"`
	AckedAt   time.Time   `json:"acked_at"`
}

// Progress is a non-terminal notification emitted by the worker while an
// operation is running. Delivery is best-effort.
type Progress struct {
	Kind      MessageKind    `json:"kind"`
	MessageID string         `json:"message_id"`
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload"`
}

// LogLevel represents log severity
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Log is a diagnostic message from a worker process
type Log struct {
	Kind      MessageKind    `json:"kind"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewResult builds a terminal success message for id
func NewResult(id string, payload map[string]any) *Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Result{
		Kind:        MessageKindResult,
		MessageID:   uuid.New().String(),
		ID:          id,
		Payload:     payload,
		CompletedAt: time.Now().UTC(),
	}
}

// NewError builds a terminal error message for id
func NewError(id string, code ErrorCode, message string) *Error {
	return &Error{
		Kind:      MessageKindError,
		MessageID: uuid.New().String(),
		ID:        id,
		Code:      code,
		Message:   message,
	}
}

// NewCancelled builds the terminal cancellation acknowledgment for id
func NewCancelled(id string) *Cancelled {
	return &Cancelled{
		Kind:      MessageKindCancelled,
		MessageID: uuid.New().String(),
		ID:        id,
		AckedAt:   time.Now().UTC(),
	}
}

// NewProgress builds a non-terminal progress message for id
func NewProgress(id string, payload map[string]any) *Progress {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Progress{
		Kind:      MessageKindProgress,
		MessageID: uuid.New().String(),
		ID:        id,
		Payload:   payload,
	}
}
