package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/task"
)

// fakeConn scripts per-call send results and records traffic. onSend, when
// set, runs before the send is recorded so tests can interleave provider
// state changes with an outstanding send.
type fakeConn struct {
	onSend func()

	mu         sync.Mutex
	sendErrs   []error
	sendCalls  int
	sent       []*task.Task
	aborted    []*task.Task
	abortErr   error
	closeCalls int
}

func (c *fakeConn) SendTask(_ context.Context, t *task.Task) error {
	if c.onSend != nil {
		c.onSend()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.sendCalls
	c.sendCalls++
	if call < len(c.sendErrs) && c.sendErrs[call] != nil {
		return c.sendErrs[call]
	}
	c.sent = append(c.sent, t)
	return nil
}

func (c *fakeConn) AbortTask(_ context.Context, t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, t)
	return c.abortErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) abortedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aborted)
}

type outcomeListener struct {
	mu        sync.Mutex
	completed []*task.Task
	failed    []*task.Task
	result    protocol.Result
}

func (l *outcomeListener) TaskCompleted(t *task.Task, result protocol.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, t)
	l.result = result
}

func (l *outcomeListener) TaskFailed(t *task.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, t)
}

func (l *outcomeListener) failedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failed)
}

type providerEvents struct {
	mu      sync.Mutex
	closed  []*Provider
	updated int
}

func (e *providerEvents) ProviderClosed(p *Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = append(e.closed, p)
}

func (e *providerEvents) ProviderUpdated(_ *Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated++
}

func (e *providerEvents) closedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.closed)
}

func newProviderTask(id string, listener task.Listener) *task.Task {
	return task.New(task.Info{ID: id, MaxPrice: 15, TimeToMoneyRatio: 1}, listener, nil)
}

// synchronous makes ScheduleTask and AbortTask run their wire work inline.
func synchronous(p *Provider) {
	p.async = func(fn func()) { fn() }
}

func newTestProvider(conn *fakeConn, opts Options) *Provider {
	p := New("p1", protocol.PublicMeta{Version: 1, MinCost: 10}, protocol.PrivateMeta{}, conn, opts)
	synchronous(p)
	return p
}

func TestScheduleTaskSendsAndMarksInFlight(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", nil)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)

	p.ScheduleTask(tk)

	assert.Equal(t, "p1", tk.ProviderID())
	assert.Equal(t, task.StatusSentToProvider, tk.Status())
	assert.Equal(t, 1, conn.sentCount())
	assert.Equal(t, 1, p.QueueLength())
	assert.Equal(t, 4*time.Millisecond, p.Estimator().WaitingTime())
}

func TestScheduleTaskRetriesTransientSendFailure(t *testing.T) {
	conn := &fakeConn{sendErrs: []error{errors.New("broken pipe"), errors.New("broken pipe")}}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", nil)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)

	p.ScheduleTask(tk)

	assert.Equal(t, task.StatusSentToProvider, tk.Status())
	assert.Equal(t, 3, conn.sendCalls)

	var attempts []task.Status
	for _, e := range tk.Log() {
		attempts = append(attempts, e.Status)
	}
	assert.Contains(t, attempts, task.StatusSentFailed)
}

func TestScheduleTaskExhaustsRetries(t *testing.T) {
	conn := &fakeConn{sendErrs: []error{
		errors.New("broken pipe"), errors.New("broken pipe"), errors.New("broken pipe"),
	}}
	listener := &outcomeListener{}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)

	p.ScheduleTask(tk)

	assert.Equal(t, task.StatusFailedByProvider, tk.Status())
	assert.Equal(t, 1, listener.failedCount())
	assert.Equal(t, 1, tk.FailedAttempts())
	assert.Equal(t, 0, p.QueueLength())
	assert.Equal(t, time.Duration(0), p.Estimator().WaitingTime())

	entries := tk.Log()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "Failed to send task", last.Payload["reason"])
}

func TestTaskCompleted(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)

	result := protocol.Result{Version: 1, Image: "https://cdn.example.com/img.png"}
	p.TaskCompleted(tk, result)

	assert.Equal(t, task.StatusCompleted, tk.Status())
	assert.Equal(t, result, listener.result)
	assert.Equal(t, 0, p.QueueLength())
	assert.Equal(t, time.Duration(0), p.Estimator().WaitingTime())

	// A duplicate report for the same task is dropped.
	p.TaskCompleted(tk, result)
	assert.Len(t, listener.completed, 1)
}

func TestTaskFailed(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)

	p.TaskFailed(tk, "out of VRAM")

	assert.Equal(t, task.StatusFailedByProvider, tk.Status())
	assert.Equal(t, 1, listener.failedCount())
	assert.Equal(t, 1, tk.FailedAttempts())

	entries := tk.Log()
	last := entries[len(entries)-1]
	assert.Equal(t, "out of VRAM", last.Payload["reason"])

	p.TaskFailed(tk, "out of VRAM")
	assert.Equal(t, 1, listener.failedCount())
}

func TestTaskCompletedUnknownTaskIgnored(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	p := newTestProvider(conn, Options{})

	stranger := newProviderTask("stranger", listener)
	p.TaskCompleted(stranger, protocol.Result{})

	assert.Empty(t, listener.completed)
	assert.Equal(t, task.StatusInitial, stranger.Status())
}

func TestAbortTask(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", nil)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)
	require.Equal(t, 1, p.QueueLength())

	p.AbortTask(tk)

	assert.Equal(t, task.StatusAborted, tk.Status())
	assert.Equal(t, 0, p.QueueLength())
	assert.Equal(t, time.Duration(0), p.Estimator().WaitingTime())
	assert.Equal(t, 1, conn.abortedCount())
}

func TestAbortTaskWireFailureKeepsLocalState(t *testing.T) {
	conn := &fakeConn{abortErr: errors.New("connection reset")}
	p := newTestProvider(conn, Options{})

	tk := newProviderTask("t1", nil)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)

	p.AbortTask(tk)

	assert.Equal(t, task.StatusAborted, tk.Status())
	assert.Equal(t, 0, p.QueueLength())
}

func TestMinCostWhileOffline(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProvider(conn, Options{OfflineGrace: time.Minute})

	assert.Equal(t, 10.0, p.MinCost())

	p.ConnectionLost()
	assert.Equal(t, UnboundedCost, p.MinCost())
	assert.False(t, p.Online())

	p.ConnectionRestored()
	assert.Equal(t, 10.0, p.MinCost())
	assert.True(t, p.Online())
}

func TestOfflineGraceExpiryFailsInFlightTasks(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	events := &providerEvents{}
	p := newTestProvider(conn, Options{OfflineGrace: 10 * time.Millisecond})
	p.SetObserver(events)

	var tasks []*task.Task
	for _, id := range []string{"t1", "t2"} {
		tk := newProviderTask(id, listener)
		tk.SetStatus(task.StatusPushedIntoQueue, nil)
		tk.SetStatus(task.StatusPulledByDispatcher, nil)
		tk.SetStatus(task.StatusSetToProvider, nil)
		p.ScheduleTask(tk)
		tasks = append(tasks, tk)
	}
	require.Equal(t, 2, p.QueueLength())

	p.ConnectionLost()

	require.Eventually(t, func() bool {
		return events.closedCount() == 1 && listener.failedCount() == 2
	}, time.Second, 5*time.Millisecond)

	for _, tk := range tasks {
		entries := tk.Log()
		last := entries[len(entries)-1]
		assert.Equal(t, task.StatusFailedByProvider, last.Status)
		assert.Equal(t, "Provider is offline", last.Payload["reason"])
	}
	assert.Equal(t, 0, p.QueueLength())
	assert.Equal(t, time.Duration(0), p.Estimator().WaitingTime())
	assert.Equal(t, 1, conn.closeCalls)
}

func TestSendResolvedAfterCloseFailsTask(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	closed := make(chan struct{})
	p := newTestProvider(conn, Options{OfflineGrace: 5 * time.Millisecond})
	p.SetObserver(&closeWaiter{ch: closed})

	// The connection drops and the grace period expires while the send is
	// still outstanding; the send itself then resolves successfully.
	conn.onSend = func() {
		p.ConnectionLost()
		<-closed
	}

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)

	p.ScheduleTask(tk)

	assert.Equal(t, task.StatusFailedByProvider, tk.Status())
	assert.Equal(t, 1, listener.failedCount())
	assert.Equal(t, 0, p.QueueLength())
	assert.Equal(t, time.Duration(0), p.Estimator().WaitingTime())

	entries := tk.Log()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "Provider is offline", last.Payload["reason"])
	for i := 1; i < len(entries); i++ {
		assert.True(t, task.ValidTransition(entries[i-1].Status, entries[i].Status),
			"transition %s -> %s", entries[i-1].Status, entries[i].Status)
	}
}

type closeWaiter struct {
	ch chan struct{}
}

func (w *closeWaiter) ProviderClosed(*Provider) { close(w.ch) }

func (w *closeWaiter) ProviderUpdated(*Provider) {}

func TestRestoreWithinGraceKeepsTasks(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	events := &providerEvents{}
	p := newTestProvider(conn, Options{OfflineGrace: 50 * time.Millisecond})
	p.SetObserver(events)

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)

	p.ConnectionLost()
	p.ConnectionRestored()

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, events.closedCount())
	assert.Equal(t, 0, listener.failedCount())
	assert.Equal(t, 1, p.QueueLength())
	assert.Equal(t, task.StatusSentToProvider, tk.Status())
}

func TestConnectionLostIdempotent(t *testing.T) {
	conn := &fakeConn{}
	events := &providerEvents{}
	p := newTestProvider(conn, Options{OfflineGrace: 10 * time.Millisecond})
	p.SetObserver(events)

	p.ConnectionLost()
	p.ConnectionLost()

	require.Eventually(t, func() bool {
		return events.closedCount() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, events.closedCount())
	assert.Equal(t, 1, conn.closeCalls)
}

func TestRestoreWithoutPendingOfflineIsNoOp(t *testing.T) {
	conn := &fakeConn{}
	p := newTestProvider(conn, Options{})

	p.ConnectionRestored()

	assert.True(t, p.Online())
}

func TestTaskTimeoutWatchdog(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	p := newTestProvider(conn, Options{TaskTimeout: 10 * time.Millisecond})

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)

	require.Eventually(t, func() bool {
		return listener.failedCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, task.StatusTimeout, tk.Status())
	assert.Equal(t, 0, p.QueueLength())
}

func TestTaskTimeoutDisarmedOnCompletion(t *testing.T) {
	conn := &fakeConn{}
	listener := &outcomeListener{}
	p := newTestProvider(conn, Options{TaskTimeout: 20 * time.Millisecond})

	tk := newProviderTask("t1", listener)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, nil)
	p.ScheduleTask(tk)

	p.TaskCompleted(tk, protocol.Result{Version: 1})

	time.Sleep(50 * time.Millisecond)

	assert.Len(t, listener.completed, 1)
	assert.Equal(t, 0, listener.failedCount())
	assert.Equal(t, task.StatusCompleted, tk.Status())
}

func TestUpdatePublicMetaNotifiesObserver(t *testing.T) {
	conn := &fakeConn{}
	events := &providerEvents{}
	p := newTestProvider(conn, Options{})
	p.SetObserver(events)

	p.UpdatePublicMeta(protocol.PublicMeta{Version: 1, MinCost: 25})

	assert.Equal(t, 25.0, p.MinCost())
	events.mu.Lock()
	updated := events.updated
	events.mu.Unlock()
	assert.Equal(t, 1, updated)
}
