package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/warden/internal/operation"
	"github.com/iambrandonn/warden/internal/protocol"
	"github.com/iambrandonn/warden/internal/supervisor"
	"github.com/iambrandonn/warden/internal/transport"
	"github.com/iambrandonn/warden/internal/work/procworker"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Run a single operation and print its terminal response",
	Long: `Run one operation through the configured worker and print the terminal
response as a JSON line on stdout. Ctrl-C requests cancellation; the
worker gets a chance to unwind before the acknowledgment is printed.

Exit status is 0 for a result, 1 for a failure or cancellation.`,
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().String("op", "", "Operation name to run (required)")
	invokeCmd.Flags().String("params", "{}", "Operation parameters as a JSON object")
	invokeCmd.Flags().String("id", "", "Operation ID (default: generated)")
	invokeCmd.Flags().Duration("timeout", 0, "Inactivity timeout (default: from config)")
	invokeCmd.MarkFlagRequired("op")
}

// terminalWatch wraps a sender and reports when a terminal response has
// been written, so invoke knows the operation is settled.
type terminalWatch struct {
	inner transport.Sender

	once sync.Once
	done chan struct{}

	mu   sync.Mutex
	last any
}

func newTerminalWatch(inner transport.Sender) *terminalWatch {
	return &terminalWatch{
		inner: inner,
		done:  make(chan struct{}),
	}
}

func (t *terminalWatch) Send(msg any) error {
	err := t.inner.Send(msg)

	switch msg.(type) {
	case *protocol.Result, *protocol.Error, *protocol.Cancelled:
		t.mu.Lock()
		t.last = msg
		t.mu.Unlock()
		t.once.Do(func() { close(t.done) })
	}
	return err
}

func (t *terminalWatch) terminal() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func runInvoke(cmd *cobra.Command, args []string) error {
	op, _ := cmd.Flags().GetString("op")
	paramsJSON, _ := cmd.Flags().GetString("params")
	id, _ := cmd.Flags().GetString("id")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}

	if id == "" {
		id = fmt.Sprintf("op-%s", uuid.New().String()[:8])
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, cfgPath, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if cfg.Trace {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	logger.Debug("loaded configuration", "path", cfgPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watch := newTerminalWatch(transport.NewConn(cmd.OutOrStdout(), logger))
	starter := procworker.New(cfg.Worker.Cmd, cfg.Worker.Env, logger)

	sup := supervisor.New(operation.NewRegistry(), starter, watch, logger, supervisor.Options{
		GracePeriod:    time.Duration(cfg.Policy.GraceMs) * time.Millisecond,
		DefaultTimeout: time.Duration(cfg.Policy.DefaultTimeoutMs) * time.Millisecond,
	})

	if err := sup.Submit(id, op, params, timeout); err != nil {
		return fmt.Errorf("failed to start operation: %w", err)
	}

	// Wait for the terminal response; a signal turns into one cancellation
	// request, then we keep waiting for the acknowledgment.
	select {
	case <-watch.done:
	case <-ctx.Done():
		logger.Warn("cancellation requested", "id", id)
		sup.Cancel(id)
		<-watch.done
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Policy.DrainMs)*time.Millisecond)
	defer cancel()
	if err := sup.Shutdown(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}

	switch m := watch.terminal().(type) {
	case *protocol.Result:
		return nil
	case *protocol.Error:
		return fmt.Errorf("operation failed (%s): %s", m.Code, m.Message)
	case *protocol.Cancelled:
		return fmt.Errorf("operation cancelled")
	default:
		return fmt.Errorf("operation produced no terminal response")
	}
}
