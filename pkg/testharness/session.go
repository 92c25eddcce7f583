package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/warden/internal/config"
	"github.com/iambrandonn/warden/internal/ndjson"
)

// SessionOptions configures StartSession.
type SessionOptions struct {
	WardenBinary     string
	MockWorkerBinary string
	WorkerArgs       []string
	WorkspaceDir     string
	GraceMs          int
	DefaultTimeoutMs int
	EventLog         string
}

// Session is one live warden process driven over stdin/stdout.
type Session struct {
	ConfigPath string
	Workspace  string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *ndjson.Decoder
	stderr *bytes.Buffer

	closeOnce sync.Once
	waitErr   error
}

// StartSession writes a session config, launches warden serve, and wires up
// the protocol streams.
func StartSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if opts.WardenBinary == "" {
		return nil, fmt.Errorf("warden binary path is required")
	}
	if opts.MockWorkerBinary == "" {
		return nil, fmt.Errorf("mockworker binary path is required")
	}
	if opts.WorkspaceDir == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}

	cfg := config.GenerateDefault()
	cfg.Worker.Cmd = append([]string{opts.MockWorkerBinary}, opts.WorkerArgs...)
	if opts.GraceMs > 0 {
		cfg.Policy.GraceMs = opts.GraceMs
	}
	if opts.DefaultTimeoutMs > 0 {
		cfg.Policy.DefaultTimeoutMs = opts.DefaultTimeoutMs
	}
	cfg.EventLog = opts.EventLog

	configPath := filepath.Join(opts.WorkspaceDir, config.DefaultFileName)
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to write session config: %w", err)
	}

	cmd := exec.CommandContext(ctx, opts.WardenBinary, "serve", "--config", configPath)
	cmd.Dir = opts.WorkspaceDir

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start warden: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &Session{
		ConfigPath: configPath,
		Workspace:  opts.WorkspaceDir,
		cmd:        cmd,
		stdin:      stdin,
		dec:        ndjson.NewDecoder(stdout, logger),
		stderr:     stderr,
	}, nil
}

// Send writes one message as an NDJSON line on warden's stdin.
func (s *Session) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// SendRaw writes an arbitrary line, newline included, for malformed-input tests.
func (s *Session) SendRaw(line string) error {
	_, err := io.WriteString(s.stdin, line)
	return err
}

// Next reads the next response from warden's stdout. It blocks until a
// message arrives or the stream ends.
func (s *Session) Next() (any, error) {
	return s.dec.DecodeEnvelope()
}

// NextFor reads responses until one matches pred, discarding the rest.
func (s *Session) NextFor(pred func(any) bool) (any, error) {
	for {
		msg, err := s.Next()
		if err != nil {
			return nil, err
		}
		if pred(msg) {
			return msg, nil
		}
	}
}

// Disconnect closes warden's stdin without waiting, simulating an abrupt
// client disconnect.
func (s *Session) Disconnect() error {
	return s.stdin.Close()
}

// Close ends the session and waits for the warden process to exit.
func (s *Session) Close(timeout time.Duration) error {
	s.closeOnce.Do(func() {
		s.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()

		select {
		case err := <-done:
			s.waitErr = err
		case <-time.After(timeout):
			s.cmd.Process.Kill()
			<-done
			s.waitErr = fmt.Errorf("warden did not exit within %s\nstderr:\n%s", timeout, s.stderr.String())
		}
	})
	return s.waitErr
}

// Stderr returns warden's accumulated diagnostic output.
func (s *Session) Stderr() string {
	return s.stderr.String()
}
