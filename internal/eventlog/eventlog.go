// Package eventlog persists protocol traffic to an NDJSON file, one entry
// per message, tagged with direction and timestamp. The log is append-only
// so a session can be replayed or audited after the fact.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/warden/internal/ndjson"
)

// Entry is one logged protocol message
type Entry struct {
	Dir string    `json:"dir"` // "in" or "out"
	At  time.Time `json:"at"`
	Msg any       `json:"msg"`
}

// EventLog writes protocol messages to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	// Ensure directory exists
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open file for appending (create if not exists)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	encoder := ndjson.NewEncoder(file, logger)

	return &EventLog{
		file:    file,
		encoder: encoder,
		logger:  logger,
	}, nil
}

// WriteInbound logs a message received from the client
func (l *EventLog) WriteInbound(msg any) error {
	return l.write("in", msg)
}

// WriteOutbound logs a message sent to the client
func (l *EventLog) WriteOutbound(msg any) error {
	return l.write("out", msg)
}

func (l *EventLog) write(dir string, msg any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(Entry{
		Dir: dir,
		At:  time.Now().UTC(),
		Msg: msg,
	})
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
