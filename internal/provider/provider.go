// Package provider models one worker connection: its health state machine,
// in-flight task bookkeeping, dispatch retries and wait-time estimation.
package provider

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/task"
)

const (
	// DefaultRetryAttempts bounds send attempts per task. Retries are
	// immediate; the absence of backoff is a known weakness of the
	// reference policy, kept until the policy is revisited.
	DefaultRetryAttempts = 3

	// DefaultOfflineGrace is how long a provider may stay disconnected
	// before its in-flight tasks are failed and it is removed.
	DefaultOfflineGrace = time.Second
)

// UnboundedCost marks a provider that can never be selected. Offline
// providers advertise it, which is the sole mechanism excluding them from
// scheduling.
const UnboundedCost = math.MaxFloat64

// NetworkConnection is the transport a provider sends tasks over. Failed
// operations surface as returned errors observed by the retry loop, never as
// panics into the caller.
type NetworkConnection interface {
	SendTask(ctx context.Context, t *task.Task) error
	AbortTask(ctx context.Context, t *task.Task) error
	Close() error
}

// Observer receives provider lifecycle events. The dispatcher installs
// itself here at registration time.
type Observer interface {
	ProviderClosed(p *Provider)
	ProviderUpdated(p *Provider)
}

// Options tune one provider instance. Zero values select the defaults.
type Options struct {
	RetryAttempts int
	OfflineGrace  time.Duration

	// TaskTimeout, when positive, arms a watchdog per in-flight task that
	// moves it to Timeout if the provider never reports an outcome.
	TaskTimeout time.Duration

	Estimate EstimateFunc
}

// Provider wraps one worker connection.
type Provider struct {
	id        string
	conn      NetworkConnection
	estimator *Estimator
	opts      Options

	// async runs the send loop detached from the caller; tests replace it
	// to step dispatch deterministically.
	async func(fn func())

	mu             sync.Mutex
	online         bool
	pendingOffline bool
	closed         bool
	offlineTimer   *time.Timer
	inFlight       map[*task.Task]struct{}
	watchdogs      map[*task.Task]*time.Timer
	publicMeta     protocol.PublicMeta
	privateMeta    protocol.PrivateMeta
	observer       Observer
}

func New(id string, pub protocol.PublicMeta, priv protocol.PrivateMeta, conn NetworkConnection, opts Options) *Provider {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = DefaultOfflineGrace
	}
	return &Provider{
		id:          id,
		conn:        conn,
		estimator:   NewEstimator(pub, priv, opts.Estimate),
		opts:        opts,
		async:       func(fn func()) { go fn() },
		online:      true,
		inFlight:    make(map[*task.Task]struct{}),
		watchdogs:   make(map[*task.Task]*time.Timer),
		publicMeta:  pub,
		privateMeta: priv,
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Estimator() *Estimator { return p.estimator }

// SetObserver installs the lifecycle observer. Notifications are always
// delivered outside the provider's lock.
func (p *Provider) SetObserver(o Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

// MinCost returns the advertised minimum cost, or UnboundedCost while the
// provider is offline.
func (p *Provider) MinCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return UnboundedCost
	}
	return p.publicMeta.MinCost
}

// QueueLength is the in-flight task count.
func (p *Provider) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Provider) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Provider) PublicMeta() protocol.PublicMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publicMeta
}

// UpdatePublicMeta swaps the advertised metadata and recomputes derived
// costs downstream via the observer.
func (p *Provider) UpdatePublicMeta(pub protocol.PublicMeta) {
	p.mu.Lock()
	p.publicMeta = pub
	p.mu.Unlock()
	p.estimator.UpdatePublicMeta(pub)
	p.notifyUpdated()
}

func (p *Provider) UpdatePrivateMeta(priv protocol.PrivateMeta) {
	p.mu.Lock()
	p.privateMeta = priv
	p.mu.Unlock()
	p.estimator.UpdatePrivateMeta(priv)
	p.notifyUpdated()
}

// ConnectionLost marks the provider offline for scoring immediately and arms
// the grace timer. In-flight tasks stay intact until the timer expires.
func (p *Provider) ConnectionLost() {
	p.mu.Lock()
	if p.pendingOffline || p.closed {
		p.mu.Unlock()
		return
	}
	p.pendingOffline = true
	p.online = false
	p.offlineTimer = time.AfterFunc(p.opts.OfflineGrace, p.offlineExpired)
	p.mu.Unlock()
	p.notifyUpdated()
}

// ConnectionRestored cancels a pending grace timer and puts the provider
// back into rotation.
func (p *Provider) ConnectionRestored() {
	p.mu.Lock()
	if !p.pendingOffline || p.closed {
		p.mu.Unlock()
		return
	}
	p.offlineTimer.Stop()
	p.offlineTimer = nil
	p.pendingOffline = false
	p.online = true
	p.mu.Unlock()
	p.notifyUpdated()
}

// offlineExpired treats the disconnect as fatal: the connection is closed,
// every in-flight task fails with "Provider is offline" and the dispatcher
// is told to drop the provider. A restore that won the race is respected
// because pendingOffline is cleared under the same lock.
func (p *Provider) offlineExpired() {
	p.mu.Lock()
	if !p.pendingOffline || p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.offlineTimer = nil
	tasks := make([]*task.Task, 0, len(p.inFlight))
	for t := range p.inFlight {
		tasks = append(tasks, t)
	}
	p.inFlight = make(map[*task.Task]struct{})
	for _, timer := range p.watchdogs {
		timer.Stop()
	}
	p.watchdogs = make(map[*task.Task]*time.Timer)
	p.mu.Unlock()

	if err := p.conn.Close(); err != nil {
		log.Printf("provider %s: closing connection: %v", p.id, err)
	}
	for _, t := range tasks {
		p.estimator.RemoveTask(t)
		t.AddFailedAttempt()
		t.SetStatus(task.StatusFailedByProvider, map[string]any{"reason": "Provider is offline"})
		t.Fail()
	}
	p.notifyClosed()
}

// ScheduleTask stamps the task with this provider, records it in the
// estimator and sends it over the wire asynchronously with bounded retries.
func (p *Provider) ScheduleTask(t *task.Task) {
	t.SetProviderID(p.id)
	log.Printf("task %s scheduled on provider %s", t.ID(), p.id)
	p.estimator.AddTask(t)
	p.async(func() { p.sendLoop(t) })
}

func (p *Provider) sendLoop(t *task.Task) {
	for attempt := 0; attempt < p.opts.RetryAttempts; attempt++ {
		err := p.conn.SendTask(context.Background(), t)
		if err == nil {
			if !p.markInFlight(t) {
				// Provider closed while the send was outstanding.
				p.estimator.RemoveTask(t)
				t.AddFailedAttempt()
				t.SetStatus(task.StatusFailedByProvider, map[string]any{"reason": "Provider is offline"})
				t.Fail()
				return
			}
			t.SetStatus(task.StatusSentToProvider, nil)
			return
		}
		log.Printf("task %s: send attempt %d to provider %s failed: %v", t.ID(), attempt, p.id, err)
		t.SetStatus(task.StatusSentFailed, map[string]any{"attempt": attempt})
	}
	// Exhausted. The task never entered the in-flight set.
	p.estimator.RemoveTask(t)
	t.AddFailedAttempt()
	t.SetStatus(task.StatusFailedByProvider, map[string]any{"reason": "Failed to send task"})
	t.Fail()
}

func (p *Provider) markInFlight(t *task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.inFlight[t] = struct{}{}
	if p.opts.TaskTimeout > 0 {
		p.watchdogs[t] = time.AfterFunc(p.opts.TaskTimeout, func() { p.taskTimedOut(t) })
	}
	return true
}

// remove drops the task from in-flight bookkeeping. Reports whether the task
// was actually in flight.
func (p *Provider) remove(t *task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[t]; !ok {
		return false
	}
	delete(p.inFlight, t)
	if timer, ok := p.watchdogs[t]; ok {
		timer.Stop()
		delete(p.watchdogs, t)
	}
	return true
}

// AbortTask releases local bookkeeping immediately, then requests wire-level
// cancellation. Local state is authoritative once abort is initiated; a
// failure to abort on the wire is logged and nothing is resurrected.
func (p *Provider) AbortTask(t *task.Task) {
	p.remove(t)
	p.estimator.RemoveTask(t)
	t.SetStatus(task.StatusAborted, nil)

	p.async(func() {
		if err := p.conn.AbortTask(context.Background(), t); err != nil {
			log.Printf("task %s: abort on provider %s failed: %v", t.ID(), p.id, err)
		}
	})
}

// TaskCompleted handles a worker-reported result. Stale or duplicate events
// for tasks no longer in flight are ignored.
func (p *Provider) TaskCompleted(t *task.Task, result protocol.Result) {
	if !p.remove(t) {
		return
	}
	p.estimator.RemoveTask(t)
	t.SetStatus(task.StatusCompleted, nil)
	t.Complete(result)
	p.notifyUpdated()
}

// TaskFailed handles a worker-reported failure, with the same staleness
// guard as TaskCompleted.
func (p *Provider) TaskFailed(t *task.Task, reason string) {
	if !p.remove(t) {
		return
	}
	p.estimator.RemoveTask(t)
	t.AddFailedAttempt()
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	t.SetStatus(task.StatusFailedByProvider, payload)
	t.Fail()
	p.notifyUpdated()
}

func (p *Provider) taskTimedOut(t *task.Task) {
	if !p.remove(t) {
		return
	}
	p.estimator.RemoveTask(t)
	t.SetStatus(task.StatusTimeout, nil)
	t.Fail()
	p.notifyUpdated()
}

func (p *Provider) notifyUpdated() {
	p.mu.Lock()
	o := p.observer
	p.mu.Unlock()
	if o != nil {
		o.ProviderUpdated(p)
	}
}

func (p *Provider) notifyClosed() {
	p.mu.Lock()
	o := p.observer
	p.mu.Unlock()
	if o != nil {
		o.ProviderClosed(p)
	}
}
