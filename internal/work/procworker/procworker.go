// Package procworker runs remote work as a child process, one process per
// operation. The request travels to the worker as an NDJSON line on stdin;
// progress, logs and the terminal result come back on stdout. Cancellation
// is cooperative: SIGTERM first, a hard kill only at release time.
package procworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/iambrandonn/warden/internal/ndjson"
	"github.com/iambrandonn/warden/internal/protocol"
	"github.com/iambrandonn/warden/internal/work"
)

// Starter launches one worker process per operation
type Starter struct {
	cmd    []string
	env    map[string]string
	logger *slog.Logger
}

// New creates a starter for the given worker command line
func New(cmd []string, env map[string]string, logger *slog.Logger) *Starter {
	return &Starter{
		cmd:    cmd,
		env:    env,
		logger: logger,
	}
}

// Start implements work.Starter
func (s *Starter) Start(ctx context.Context, id, op string, params map[string]any) (work.Handle, error) {
	if len(s.cmd) == 0 {
		return nil, fmt.Errorf("no worker command configured")
	}

	proc := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)

	proc.Env = os.Environ()
	proc.Env = append(proc.Env, fmt.Sprintf("WARDEN_OPERATION_ID=%s", id))
	for k, v := range s.env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	s.logger.Info("worker started", "id", id, "op", op, "pid", proc.Process.Pid)

	h := &Handle{
		id:         id,
		proc:       proc,
		stdin:      stdin,
		logger:     s.logger,
		done:       make(chan struct{}),
		notes:      make(chan map[string]any, 16),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	// Hand the request to the worker before wiring up the readers; a write
	// failure here is a start failure, not a work failure.
	enc := ndjson.NewEncoder(stdin, s.logger)
	req := &protocol.Request{
		Kind:   protocol.MessageKindRequest,
		ID:     id,
		Op:     op,
		Params: params,
	}
	if err := enc.Encode(req); err != nil {
		proc.Process.Kill()
		proc.Wait()
		stdin.Close()
		return nil, fmt.Errorf("failed to send request to worker: %w", err)
	}

	go h.readStderr(stderr)
	go h.readStdout(stdout)
	go h.waitForExit()

	return h, nil
}

// Handle supervises one worker process
type Handle struct {
	id     string
	proc   *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	done       chan struct{}
	notes      chan map[string]any
	stdoutDone chan struct{}
	stderrDone chan struct{}

	cancelOnce  sync.Once
	releaseOnce sync.Once

	mu      sync.Mutex
	settled bool
	result  map[string]any
	err     error
}

// Cancel implements work.Handle: SIGTERM, the worker decides when to unwind
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.logger.Info("signalling worker", "id", h.id, "signal", "SIGTERM")
		if err := h.proc.Process.Signal(syscall.SIGTERM); err != nil {
			h.logger.Debug("failed to signal worker", "id", h.id, "error", err)
		}
	})
}

// Done implements work.Handle
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result implements work.Handle
func (h *Handle) Result() (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Notes implements work.Handle
func (h *Handle) Notes() <-chan map[string]any {
	return h.notes
}

// Release implements work.Handle. If the worker has not unwound by now the
// grace period is over and it gets killed outright.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		select {
		case <-h.done:
		default:
			h.logger.Warn("killing worker process", "id", h.id, "pid", h.proc.Process.Pid)
			if err := h.proc.Process.Kill(); err != nil {
				h.logger.Debug("failed to kill worker", "id", h.id, "error", err)
			}
		}
		h.stdin.Close()
	})
}

func (h *Handle) setOutcome(result map[string]any, err error) {
	h.mu.Lock()
	h.settled = true
	h.result, h.err = result, err
	h.mu.Unlock()
}

// readStdout routes worker messages until the terminal result or EOF
func (h *Handle) readStdout(stdout io.Reader) {
	defer close(h.stdoutDone)
	defer close(h.notes)

	dec := ndjson.NewDecoder(stdout, h.logger)
	for {
		msg, err := dec.DecodeEnvelope()
		if err != nil {
			if errors.Is(err, ndjson.ErrMalformed) {
				h.logger.Error("failed to decode worker message", "id", h.id, "error", err)
				continue
			}
			// EOF or a dead pipe: the worker is gone without a terminal
			// message. waitForExit fills in the outcome from the exit status.
			return
		}

		switch v := msg.(type) {
		case *protocol.Progress:
			if v.ID != h.id {
				h.logger.Warn("worker progress for wrong operation", "id", h.id, "got", v.ID)
				continue
			}
			// Best-effort: drop rather than block if nobody is listening
			select {
			case h.notes <- v.Payload:
			default:
			}

		case *protocol.Result:
			if v.ID != h.id {
				h.logger.Warn("worker result for wrong operation", "id", h.id, "got", v.ID)
				continue
			}
			h.setOutcome(v.Payload, nil)
			return

		case *protocol.Error:
			if v.ID != h.id {
				h.logger.Warn("worker error for wrong operation", "id", h.id, "got", v.ID)
				continue
			}
			h.setOutcome(nil, fmt.Errorf("%s", v.Message))
			return

		case *protocol.Log:
			h.logger.Debug("worker log",
				"id", h.id,
				"level", v.Level,
				"message", v.Message)

		default:
			h.logger.Warn("unexpected message from worker",
				"id", h.id,
				"msg_type", fmt.Sprintf("%T", msg))
		}
	}
}

// readStderr relays worker diagnostics at debug level
func (h *Handle) readStderr(stderr io.Reader) {
	defer close(h.stderrDone)

	scanner := newLineScanner(stderr)
	for scanner.Scan() {
		h.logger.Debug("worker stderr", "id", h.id, "line", scanner.Text())
	}
}

// newLineScanner sizes the scanner for long diagnostic lines
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	return scanner
}

// waitForExit reaps the process and closes done once the outcome is known.
// Wait runs strictly after both pipe readers finish: a terminal message
// sitting in the stdout buffer is never discarded by the reaper, and the
// stderr read never races the pipe close.
func (h *Handle) waitForExit() {
	defer close(h.done)

	<-h.stdoutDone
	<-h.stderrDone
	err := h.proc.Wait()
	if err != nil {
		h.logger.Debug("worker process exited", "id", h.id, "error", err)
	} else {
		h.logger.Debug("worker process exited cleanly", "id", h.id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.settled {
		// The worker vanished without a terminal message; its exit status is
		// the best explanation we have
		h.settled = true
		if err != nil {
			h.err = fmt.Errorf("worker exited without result: %w", err)
		} else {
			h.err = fmt.Errorf("worker exited without result")
		}
	}
}
