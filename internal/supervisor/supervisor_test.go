package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iambrandonn/warden/internal/metrics"
	"github.com/iambrandonn/warden/internal/operation"
	"github.com/iambrandonn/warden/internal/protocol"
	"github.com/iambrandonn/warden/internal/transport"
	"github.com/iambrandonn/warden/internal/work"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSender records every outbound message; optionally fails every send
// with a fixed error to simulate a dead transport.
type captureSender struct {
	mu       sync.Mutex
	msgs     []any
	failWith error
}

func (c *captureSender) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSender) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func (c *captureSender) terminals() []any {
	var out []any
	for _, m := range c.messages() {
		switch m.(type) {
		case *protocol.Result, *protocol.Error, *protocol.Cancelled:
			out = append(out, m)
		}
	}
	return out
}

// fakeHandle gives tests precise control over work termination
type fakeHandle struct {
	cancelCalls atomic.Int32
	done        chan struct{}
	doneOnce    sync.Once
	result      map[string]any
	err         error
	honorCancel bool
}

func newFakeHandle(honorCancel bool) *fakeHandle {
	return &fakeHandle{
		done:        make(chan struct{}),
		honorCancel: honorCancel,
	}
}

func (h *fakeHandle) Cancel() {
	h.cancelCalls.Add(1)
	if h.honorCancel {
		h.finish(nil, context.Canceled)
	}
}

func (h *fakeHandle) finish(result map[string]any, err error) {
	h.doneOnce.Do(func() {
		h.result, h.err = result, err
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{}            { return h.done }
func (h *fakeHandle) Result() (map[string]any, error)  { return h.result, h.err }
func (h *fakeHandle) Notes() <-chan map[string]any     { return nil }
func (h *fakeHandle) Release()                         {}

type fakeStarter struct {
	handle   work.Handle
	startErr error
}

func (s *fakeStarter) Start(ctx context.Context, id, op string, params map[string]any) (work.Handle, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.handle, nil
}

func newTestSupervisor(starter work.Starter, sender transport.Sender, grace time.Duration) (*Supervisor, *operation.Registry) {
	reg := operation.NewRegistry()
	sup := New(reg, starter, sender, testLogger(), Options{
		GracePeriod:    grace,
		DefaultTimeout: time.Minute,
	})
	return sup, reg
}

func requireDrained(t *testing.T, sup *Supervisor, reg *operation.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	assert.Zero(t, reg.Len(), "registry must be empty after supervision completes")
}

func sleepyWork(d time.Duration, result map[string]any) work.Func {
	return func(ctx context.Context, emit func(map[string]any), params map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return result, nil
		}
	}
}

func TestSubmitCompletesWithResult(t *testing.T) {
	// Scenario: work resolves with result 42 after 50ms, no cancel sent
	sender := &captureSender{}
	starter := work.FuncStarter{"calc": sleepyWork(50*time.Millisecond, map[string]any{"answer": 42})}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))
	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1, "exactly one terminal response")
	res, ok := terminals[0].(*protocol.Result)
	require.True(t, ok)
	assert.Equal(t, "A", res.ID)
	assert.Equal(t, 42, res.Payload["answer"])
}

func TestSubmitReportsWorkFailure(t *testing.T) {
	sender := &captureSender{}
	starter := work.FuncStarter{
		"calc": func(ctx context.Context, emit func(map[string]any), params map[string]any) (map[string]any, error) {
			return nil, errors.New("model backend unavailable")
		},
	}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))
	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	e, ok := terminals[0].(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorCodeWorkFailure, e.Code)
	assert.Contains(t, e.Message, "model backend unavailable")
}

func TestCancelBeforeCompletionWins(t *testing.T) {
	// Scenario: cancel sent at 10ms, work would resolve at 200ms
	sender := &captureSender{}
	handle := newFakeHandle(true)
	sup, reg := newTestSupervisor(&fakeStarter{handle: handle}, sender, time.Second)

	require.NoError(t, sup.Submit("B", "calc", nil, 0))
	time.Sleep(10 * time.Millisecond)
	sup.Cancel("B")

	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1, "exactly one terminal response")
	ack, ok := terminals[0].(*protocol.Cancelled)
	require.True(t, ok, "terminal response must be the cancellation acknowledgment")
	assert.Equal(t, "B", ack.ID)
	assert.EqualValues(t, 1, handle.cancelCalls.Load(), "work cancel must be invoked exactly once")
}

// latchedHandle finishes its work immediately but holds Result open until
// the test releases it, exposing the window between the run loop's state
// read and the terminal transition.
type latchedHandle struct {
	done          chan struct{}
	resultEntered chan struct{}
	resultGate    chan struct{}
	enteredOnce   sync.Once
	cancelCalls   atomic.Int32
	result        map[string]any
	err           error
}

func newLatchedHandle(result map[string]any, err error) *latchedHandle {
	return &latchedHandle{
		done:          make(chan struct{}),
		resultEntered: make(chan struct{}),
		resultGate:    make(chan struct{}),
		result:        result,
		err:           err,
	}
}

func (h *latchedHandle) Cancel()                      { h.cancelCalls.Add(1) }
func (h *latchedHandle) Done() <-chan struct{}        { return h.done }
func (h *latchedHandle) Notes() <-chan map[string]any { return nil }
func (h *latchedHandle) Release()                     {}

func (h *latchedHandle) Result() (map[string]any, error) {
	h.enteredOnce.Do(func() { close(h.resultEntered) })
	<-h.resultGate
	return h.result, h.err
}

func TestCancelDuringCompletionStillAcknowledges(t *testing.T) {
	// Scenario: the work is done and the supervisor is already resolving the
	// completion when the cancel lands. Cancellation wins the tie even this
	// late, and the client still gets exactly one terminal response.
	sender := &captureSender{}
	handle := newLatchedHandle(map[string]any{"answer": 42}, nil)
	sup, reg := newTestSupervisor(&fakeStarter{handle: handle}, sender, time.Second)

	require.NoError(t, sup.Submit("X", "calc", nil, 0))
	close(handle.done)

	<-handle.resultEntered
	sup.Cancel("X")
	close(handle.resultGate)

	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1, "exactly one terminal response")
	ack, ok := terminals[0].(*protocol.Cancelled)
	require.True(t, ok, "a cancel delivered mid-resolution still wins")
	assert.Equal(t, "X", ack.ID)
}

func TestCancelDuringFailureResolutionStillAcknowledges(t *testing.T) {
	// Same window as above, but the work ended in an error
	sender := &captureSender{}
	handle := newLatchedHandle(nil, errors.New("model backend unavailable"))
	sup, reg := newTestSupervisor(&fakeStarter{handle: handle}, sender, time.Second)

	require.NoError(t, sup.Submit("X", "calc", nil, 0))
	close(handle.done)

	<-handle.resultEntered
	sup.Cancel("X")
	close(handle.resultGate)

	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1, "exactly one terminal response")
	_, ok := terminals[0].(*protocol.Cancelled)
	assert.True(t, ok, "the work's own error must not shadow the cancellation ack")
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	sender := &captureSender{}
	starter := work.FuncStarter{"calc": sleepyWork(0, map[string]any{"ok": true})}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Late cancel: the id is gone, nothing further happens
	sup.Cancel("A")
	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	_, ok := terminals[0].(*protocol.Result)
	assert.True(t, ok, "terminal state must reflect the work's own outcome")
}

func TestDisconnectCancelsAndShieldAbsorbs(t *testing.T) {
	// Scenario: transport disconnects at 30ms while work is still running
	sender := &captureSender{failWith: transport.ErrClosed}
	handle := newFakeHandle(true)
	sup, reg := newTestSupervisor(&fakeStarter{handle: handle}, sender, time.Second)

	require.NoError(t, sup.Submit("C", "calc", nil, 0))
	time.Sleep(30 * time.Millisecond)

	n := sup.DisconnectAll()
	assert.Equal(t, 1, n)

	requireDrained(t, sup, reg)

	// The response attempt went to a closed transport; the shield absorbed
	// it and nothing crashed.
	assert.Empty(t, sender.messages())
	assert.EqualValues(t, 1, handle.cancelCalls.Load())
}

func TestDuplicateSubmitFails(t *testing.T) {
	// Scenario: same id submitted twice while the first is still running
	sender := &captureSender{}
	starter := work.FuncStarter{"calc": sleepyWork(100*time.Millisecond, map[string]any{"n": 1})}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("D", "calc", nil, 0))
	err := sup.Submit("D", "calc", nil, 0)
	require.ErrorIs(t, err, operation.ErrDuplicateOperation)

	requireDrained(t, sup, reg)

	// The first operation's response is unaffected
	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	res, ok := terminals[0].(*protocol.Result)
	require.True(t, ok)
	assert.Equal(t, "D", res.ID)
}

func TestStartFailureYieldsErrorResponse(t *testing.T) {
	sender := &captureSender{}
	sup, reg := newTestSupervisor(&fakeStarter{startErr: errors.New("no such worker")}, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))

	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	e, ok := terminals[0].(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorCodeStartFailure, e.Code)
	assert.Zero(t, reg.Len())

	requireDrained(t, sup, reg)
}

func TestUnknownOpYieldsStartFailure(t *testing.T) {
	sender := &captureSender{}
	sup, reg := newTestSupervisor(work.FuncStarter{}, sender, time.Second)

	require.NoError(t, sup.Submit("A", "nope", nil, 0))
	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	e, ok := terminals[0].(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorCodeStartFailure, e.Code)
}

func TestInactivityTimeoutBehavesLikeCancel(t *testing.T) {
	sender := &captureSender{}
	starter := work.FuncStarter{"calc": sleepyWork(30*time.Second, nil)}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 50*time.Millisecond))
	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	_, ok := terminals[0].(*protocol.Cancelled)
	assert.True(t, ok, "timeout is cancellation with a synthetic source")
}

func TestGracePeriodExceededForceFinalizes(t *testing.T) {
	// Work that ignores the cancel signal entirely
	sender := &captureSender{}
	handle := newFakeHandle(false)
	sup, reg := newTestSupervisor(&fakeStarter{handle: handle}, sender, 50*time.Millisecond)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))
	sup.Cancel("A")

	requireDrained(t, sup, reg)

	terminals := sender.terminals()
	require.Len(t, terminals, 1)
	_, ok := terminals[0].(*protocol.Cancelled)
	assert.True(t, ok, "a slow-to-cancel worker must not block the acknowledgment")
	assert.GreaterOrEqual(t, handle.cancelCalls.Load(), int32(1))

	// Unblock the stuck "work" so nothing lingers past the test
	handle.finish(nil, context.Canceled)
}

func TestCancelIsIdempotentThroughPropagator(t *testing.T) {
	sender := &captureSender{}
	handle := newFakeHandle(true)
	sup, reg := newTestSupervisor(&fakeStarter{handle: handle}, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))
	sup.Cancel("A")
	sup.Cancel("A")
	sup.Cancel("A")

	requireDrained(t, sup, reg)

	require.Len(t, sender.terminals(), 1)
	assert.EqualValues(t, 1, handle.cancelCalls.Load())
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	sender := &captureSender{}
	sup, reg := newTestSupervisor(work.FuncStarter{}, sender, time.Second)

	sup.Cancel("ghost")
	assert.Empty(t, sender.messages())
	requireDrained(t, sup, reg)
}

func TestProgressIsForwarded(t *testing.T) {
	sender := &captureSender{}
	starter := work.FuncStarter{
		"calc": func(ctx context.Context, emit func(map[string]any), params map[string]any) (map[string]any, error) {
			emit(map[string]any{"pct": 50})
			return map[string]any{"done": true}, nil
		},
	}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))
	requireDrained(t, sup, reg)

	var progress int
	for _, m := range sender.messages() {
		if _, ok := m.(*protocol.Progress); ok {
			progress++
		}
	}
	assert.Equal(t, 1, progress)
	require.Len(t, sender.terminals(), 1)
}

func TestManyConcurrentOperations(t *testing.T) {
	sender := &captureSender{}
	starter := work.FuncStarter{"calc": sleepyWork(10*time.Millisecond, map[string]any{"ok": true})}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, sup.Submit(string(rune('a'+i%26))+string(rune('0'+i/26)), "calc", nil, 0))
	}

	requireDrained(t, sup, reg)
	assert.Len(t, sender.terminals(), n, "one terminal response per operation")
}

func TestMetricsTrackOutcomes(t *testing.T) {
	sender := &captureSender{}
	reg := operation.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	starter := work.FuncStarter{
		"fast": sleepyWork(0, map[string]any{"ok": true}),
		"slow": sleepyWork(30*time.Second, nil),
	}
	sup := New(reg, starter, sender, testLogger(), Options{
		GracePeriod:    time.Second,
		DefaultTimeout: time.Minute,
		Metrics:        m,
	})

	require.NoError(t, sup.Submit("done", "fast", nil, 0))
	require.NoError(t, sup.Submit("dropped", "slow", nil, 0))
	sup.Cancel("dropped")

	requireDrained(t, sup, reg)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(string(operation.StateCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(string(operation.StateCancelled))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsInFlight))
}

func TestOutcomeMetricSkipsNonTerminalStates(t *testing.T) {
	// An operation aborted before it settled must not pollute the outcome
	// label space with a non-terminal state.
	m := metrics.New(prometheus.NewRegistry())
	reg := operation.NewRegistry()
	sup := New(reg, work.FuncStarter{}, &captureSender{}, testLogger(), Options{Metrics: m})

	rec, err := reg.Register("A")
	require.NoError(t, err)
	require.NoError(t, rec.SetState(operation.StateRunning))

	m.OperationsInFlight.Inc()
	sup.decInFlight(rec)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(string(operation.StateRunning))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsInFlight))
}

func TestShutdownCancelsActiveOperations(t *testing.T) {
	sender := &captureSender{}
	starter := work.FuncStarter{"calc": sleepyWork(30*time.Second, nil)}
	sup, reg := newTestSupervisor(starter, sender, time.Second)

	require.NoError(t, sup.Submit("A", "calc", nil, 0))
	require.NoError(t, sup.Submit("B", "calc", nil, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	assert.Zero(t, reg.Len())
	assert.Len(t, sender.terminals(), 2, "every active operation gets its cancellation ack")
}
