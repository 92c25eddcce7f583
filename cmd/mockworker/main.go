// mockworker is a scriptable worker process for exercising warden. It reads
// one request from stdin, optionally emits progress, then reports a result
// or a scripted failure. SIGTERM is honored as cooperative cancellation
// unless -ignore-term is set.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iambrandonn/warden/internal/ndjson"
	"github.com/iambrandonn/warden/internal/protocol"
)

func main() {
	sleep := flag.Duration("sleep", 50*time.Millisecond, "How long the work takes")
	fail := flag.Bool("fail", false, "Report a scripted failure instead of a result")
	progressCount := flag.Int("progress", 0, "Number of progress messages to emit")
	ignoreTerm := flag.Bool("ignore-term", false, "Ignore SIGTERM (simulates work that cannot unwind)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("mock worker starting", "pid", os.Getpid(), "sleep", *sleep)

	decoder := ndjson.NewDecoder(os.Stdin, logger)
	encoder := ndjson.NewEncoder(os.Stdout, logger)

	msg, err := decoder.DecodeEnvelope()
	if err != nil {
		logger.Error("failed to read request", "error", err)
		os.Exit(1)
	}

	req, ok := msg.(*protocol.Request)
	if !ok {
		logger.Error("expected a request message", "got", fmt.Sprintf("%T", msg))
		os.Exit(1)
	}

	logger.Info("received request", "id", req.ID, "op", req.Op)

	term := make(chan os.Signal, 1)
	if *ignoreTerm {
		// Swallow SIGTERM entirely so the process only dies to SIGKILL
		signal.Ignore(syscall.SIGTERM)
	} else {
		signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	}

	// Spread any progress messages evenly across the sleep window
	steps := *progressCount + 1
	stepDur := *sleep / time.Duration(steps)

	for i := 1; i <= *progressCount; i++ {
		if !sleepOrTerm(stepDur, term, logger) {
			return
		}
		progress := protocol.NewProgress(req.ID, map[string]any{
			"step":  i,
			"total": *progressCount,
		})
		if err := encoder.Encode(progress); err != nil {
			logger.Error("failed to emit progress", "error", err)
			os.Exit(1)
		}
	}

	if !sleepOrTerm(stepDur, term, logger) {
		return
	}

	if *fail {
		failure := protocol.NewError(req.ID, protocol.ErrorCodeWorkFailure, "scripted failure")
		if err := encoder.Encode(failure); err != nil {
			logger.Error("failed to emit error", "error", err)
			os.Exit(1)
		}
		logger.Info("reported scripted failure", "id", req.ID)
		return
	}

	result := protocol.NewResult(req.ID, map[string]any{
		"op":       req.Op,
		"params":   req.Params,
		"slept_ms": sleep.Milliseconds(),
	})
	if err := encoder.Encode(result); err != nil {
		logger.Error("failed to emit result", "error", err)
		os.Exit(1)
	}

	logger.Info("mock worker done", "id", req.ID)
}

// sleepOrTerm waits for d, returning false if a termination signal arrived
// first. A cancelled worker exits without emitting a terminal message.
func sleepOrTerm(d time.Duration, term <-chan os.Signal, logger *slog.Logger) bool {
	select {
	case sig := <-term:
		logger.Info("received signal, unwinding", "signal", sig.String())
		return false
	case <-time.After(d):
		return true
	}
}
