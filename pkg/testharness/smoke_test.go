package testharness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/warden/internal/protocol"
)

var (
	buildOnce     sync.Once
	wardenBin     string
	mockworkerBin string
	buildErr      error
)

func builtBinaries(t *testing.T) (string, string) {
	t.Helper()

	buildOnce.Do(func() {
		repoRoot, err := DetectRepoRoot()
		if err != nil {
			buildErr = err
			return
		}
		binDir, err := os.MkdirTemp("", "warden-smoke-bin-")
		if err != nil {
			buildErr = err
			return
		}
		wardenBin, mockworkerBin, buildErr = BuildBinaries(context.Background(), repoRoot, binDir)
	})
	if buildErr != nil {
		t.Fatalf("failed to build binaries: %v", buildErr)
	}
	return wardenBin, mockworkerBin
}

func startSmokeSession(t *testing.T, workerArgs []string, eventLog string) *Session {
	t.Helper()

	warden, mockworker := builtBinaries(t)
	s, err := StartSession(context.Background(), SessionOptions{
		WardenBinary:     warden,
		MockWorkerBinary: mockworker,
		WorkerArgs:       workerArgs,
		WorkspaceDir:     t.TempDir(),
		GraceMs:          2000,
		EventLog:         eventLog,
	})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	return s
}

func isTerminalFor(id string) func(any) bool {
	return func(msg any) bool {
		switch m := msg.(type) {
		case *protocol.Result:
			return m.ID == id
		case *protocol.Error:
			return m.ID == id
		case *protocol.Cancelled:
			return m.ID == id
		}
		return false
	}
}

func TestSmokeResultRoundTrip(t *testing.T) {
	s := startSmokeSession(t, []string{"-sleep", "100ms", "-progress", "2"}, "")

	if err := s.Send(&protocol.Request{
		Kind:   protocol.MessageKindRequest,
		ID:     "op-1",
		Op:     "compute",
		Params: map[string]any{"input": "x"},
	}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	var sawProgress bool
	msg, err := s.NextFor(func(msg any) bool {
		if p, ok := msg.(*protocol.Progress); ok && p.ID == "op-1" {
			sawProgress = true
		}
		return isTerminalFor("op-1")(msg)
	})
	if err != nil {
		t.Fatalf("failed to read terminal response: %v\nstderr:\n%s", err, s.Stderr())
	}

	res, ok := msg.(*protocol.Result)
	if !ok {
		t.Fatalf("expected a result, got %T", msg)
	}
	if res.Payload["op"] != "compute" {
		t.Fatalf("unexpected result payload: %v", res.Payload)
	}
	if !sawProgress {
		t.Fatal("expected progress messages before the result")
	}

	if err := s.Close(10 * time.Second); err != nil {
		t.Fatalf("session did not end cleanly: %v", err)
	}
}

func TestSmokeScriptedFailure(t *testing.T) {
	s := startSmokeSession(t, []string{"-sleep", "20ms", "-fail"}, "")

	if err := s.Send(&protocol.Request{Kind: protocol.MessageKindRequest, ID: "op-1", Op: "compute"}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	msg, err := s.NextFor(isTerminalFor("op-1"))
	if err != nil {
		t.Fatalf("failed to read terminal response: %v\nstderr:\n%s", err, s.Stderr())
	}

	errMsg, ok := msg.(*protocol.Error)
	if !ok {
		t.Fatalf("expected an error, got %T", msg)
	}
	if errMsg.Code != protocol.ErrorCodeWorkFailure {
		t.Fatalf("expected work_failure, got %s", errMsg.Code)
	}

	if err := s.Close(10 * time.Second); err != nil {
		t.Fatalf("session did not end cleanly: %v", err)
	}
}

func TestSmokeCancelDuringWork(t *testing.T) {
	s := startSmokeSession(t, []string{"-sleep", "30s"}, "")

	if err := s.Send(&protocol.Request{Kind: protocol.MessageKindRequest, ID: "op-1", Op: "compute"}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	// Give the worker process a moment to launch before cancelling
	time.Sleep(300 * time.Millisecond)
	if err := s.Send(&protocol.Cancel{Kind: protocol.MessageKindCancel, ID: "op-1"}); err != nil {
		t.Fatalf("failed to send cancel: %v", err)
	}

	msg, err := s.NextFor(isTerminalFor("op-1"))
	if err != nil {
		t.Fatalf("failed to read terminal response: %v\nstderr:\n%s", err, s.Stderr())
	}

	if _, ok := msg.(*protocol.Cancelled); !ok {
		t.Fatalf("expected a cancelled acknowledgment, got %T", msg)
	}

	if err := s.Close(10 * time.Second); err != nil {
		t.Fatalf("session did not end cleanly: %v", err)
	}
}

func TestSmokeDisconnectMidOperation(t *testing.T) {
	s := startSmokeSession(t, []string{"-sleep", "30s"}, "")

	if err := s.Send(&protocol.Request{Kind: protocol.MessageKindRequest, ID: "op-1", Op: "compute"}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	// Abrupt disconnect: warden must cancel the worker and exit cleanly
	// well inside the grace+drain window.
	if err := s.Close(15 * time.Second); err != nil {
		t.Fatalf("warden did not survive the disconnect: %v", err)
	}
}

func TestSmokeEventLogWritten(t *testing.T) {
	s := startSmokeSession(t, []string{"-sleep", "20ms"}, "events/session.ndjson")

	if err := s.Send(&protocol.Request{Kind: protocol.MessageKindRequest, ID: "op-1", Op: "compute"}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if _, err := s.NextFor(isTerminalFor("op-1")); err != nil {
		t.Fatalf("failed to read terminal response: %v", err)
	}
	if err := s.Close(10 * time.Second); err != nil {
		t.Fatalf("session did not end cleanly: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.Workspace, "events", "session.ndjson"))
	if err != nil {
		t.Fatalf("failed to read event log: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "\"dir\":\"in\"") {
		t.Fatalf("expected inbound entries in event log:\n%s", text)
	}
	if !strings.Contains(text, "\"dir\":\"out\"") {
		t.Fatalf("expected outbound entries in event log:\n%s", text)
	}
}
