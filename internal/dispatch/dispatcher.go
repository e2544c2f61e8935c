// Package dispatch matches pending tasks to providers. It owns the provider
// registry, the cached admission threshold and the scoring algorithm.
package dispatch

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/edenvr/genq/internal/provider"
	"github.com/edenvr/genq/internal/queue"
	"github.com/edenvr/genq/internal/task"
)

const (
	// busyQueueThreshold excludes providers with more in-flight tasks
	// from scoring and from the cached min cost.
	busyQueueThreshold = 50

	// taskMaxAttempts bounds how often a task is re-enqueued after failing
	// to find an eligible provider before it is rejected for good.
	taskMaxAttempts = 5
)

func isBusy(p *provider.Provider) bool {
	return p.QueueLength() > busyQueueThreshold
}

// Dispatcher coordinates the entry queue and the provider set. One instance
// per running service.
type Dispatcher struct {
	entry *queue.EntryQueue

	mu        sync.Mutex
	providers []*provider.Provider
	byID      map[string]*provider.Provider
	minCost   float64
}

// New wires the dispatcher to the entry queue's task-added hook.
func New(entry *queue.EntryQueue) *Dispatcher {
	d := &Dispatcher{
		entry:   entry,
		byID:    make(map[string]*provider.Provider),
		minCost: provider.UnboundedCost,
	}
	entry.Subscribe(d)
	return d
}

// AddProvider registers a provider and installs the dispatcher as its
// lifecycle observer. Registering an already-known id is a warning no-op.
func (d *Dispatcher) AddProvider(p *provider.Provider) {
	d.mu.Lock()
	if _, ok := d.byID[p.ID()]; ok {
		d.mu.Unlock()
		log.Printf("dispatcher: provider %s already added", p.ID())
		return
	}
	d.byID[p.ID()] = p
	d.providers = append(d.providers, p)
	d.calcMinCostLocked()
	d.mu.Unlock()
	p.SetObserver(d)
}

// RemoveProvider drops a provider from rotation. Removing an unknown
// provider is a warning no-op.
func (d *Dispatcher) RemoveProvider(p *provider.Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[p.ID()]; !ok {
		log.Printf("dispatcher: provider %s wasn't added", p.ID())
		return
	}
	delete(d.byID, p.ID())
	for i, registered := range d.providers {
		if registered == p {
			d.providers = append(d.providers[:i], d.providers[i+1:]...)
			break
		}
	}
	d.calcMinCostLocked()
}

// Provider looks up a registered provider by id.
func (d *Dispatcher) Provider(id string) (*provider.Provider, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	return p, ok
}

// ProviderClosed implements provider.Observer.
func (d *Dispatcher) ProviderClosed(p *provider.Provider) {
	d.RemoveProvider(p)
}

// ProviderUpdated implements provider.Observer.
func (d *Dispatcher) ProviderUpdated(_ *provider.Provider) {
	d.mu.Lock()
	d.calcMinCostLocked()
	d.mu.Unlock()
}

// MinCost returns the cached minimum advertised cost across non-busy
// providers, or provider.UnboundedCost when none is eligible.
func (d *Dispatcher) MinCost() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minCost
}

func (d *Dispatcher) calcMinCostLocked() {
	d.minCost = provider.UnboundedCost
	for _, p := range d.providers {
		if isBusy(p) {
			continue
		}
		if cost := p.MinCost(); cost < d.minCost {
			d.minCost = cost
		}
	}
}

// ScheduleTask scores every eligible provider and assigns the task to the
// one with the strictly lowest score. Returns false, without mutating any
// provider state, when no provider qualifies.
func (d *Dispatcher) ScheduleTask(t *task.Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scheduleLocked(t)
}

func (d *Dispatcher) scheduleLocked(t *task.Task) bool {
	// Linear scan per decision. If estimation ever depends on the provider
	// only, providers become lines waitingTime*x + cost over the urgency
	// axis and a Li Chao tree gives the minimum in O(log n).
	var best *provider.Provider
	lowestScore := math.MaxFloat64
	var lowestWaiting time.Duration

	// Registration order keeps tie-breaks deterministic within a run;
	// ties keep the first provider encountered.
	for _, p := range d.providers {
		if isBusy(p) {
			continue
		}
		cost := p.MinCost()
		if cost > t.MaxPrice() {
			continue
		}
		est := p.Estimator()
		waiting := est.WaitingTime() + est.EstimateTaskWaitingTime(t)
		// Waiting time is scored in milliseconds; the urgency coefficient
		// is price per millisecond of expected waiting.
		waitingMs := float64(waiting) / float64(time.Millisecond)
		score := cost + waitingMs*t.TimeToMoneyRatio()
		if score < lowestScore {
			lowestScore = score
			lowestWaiting = waiting
			best = p
		}
	}

	if best == nil {
		return false
	}
	t.SetStatus(task.StatusSetToProvider, map[string]any{
		"provider_id":  best.ID(),
		"min_score":    lowestScore,
		"waiting_time": lowestWaiting.String(),
	})
	best.ScheduleTask(t)
	d.calcMinCostLocked()
	return true
}

// PullTask pops the highest-priority task whose max price exceeds the cached
// minimum cost and tries to schedule it. A task that cannot be placed is
// re-enqueued at its existing priority up to the retry ceiling, then
// rejected terminally.
func (d *Dispatcher) PullTask() {
	d.mu.Lock()
	rejected := d.pullLocked()
	d.mu.Unlock()
	if rejected != nil {
		rejected.Fail()
	}
}

// pullLocked returns the task that was terminally rejected, if any, so the
// failure callback can fire outside the dispatcher lock.
func (d *Dispatcher) pullLocked() *task.Task {
	for {
		t := d.entry.PopTask(d.minCost)
		if t == nil {
			return nil
		}
		t.SetStatus(task.StatusPulledByDispatcher, nil)
		if d.scheduleLocked(t) {
			return nil
		}
		log.Printf("dispatcher: task %s wasn't scheduled", t.ID())
		t.AddFailedAttempt()
		if t.FailedAttempts() < taskMaxAttempts {
			d.entry.Requeue(t)
			continue
		}
		t.SetStatus(task.StatusRejectedByDispatcher, nil)
		return t
	}
}

// TaskAdded implements queue.Listener: the admission fast path. A task whose
// max price cannot meet any provider's floor is rejected without ever being
// pulled; otherwise a pull is attempted immediately.
func (d *Dispatcher) TaskAdded(t *task.Task) {
	d.mu.Lock()
	if t.MaxPrice() < d.minCost {
		d.entry.RemoveTask(t)
		t.SetStatus(task.StatusRejectedByDispatcher, nil)
		d.mu.Unlock()
		t.Fail()
		return
	}
	rejected := d.pullLocked()
	d.mu.Unlock()
	if rejected != nil {
		rejected.Fail()
	}
}

// ProviderStats is one row of the dispatcher's registry snapshot.
type ProviderStats struct {
	ID          string  `json:"id"`
	Online      bool    `json:"online"`
	MinCost     float64 `json:"min_cost"`
	QueueLength int     `json:"queue_length"`
}

// Stats is a consistent snapshot for dashboards and metrics collectors.
type Stats struct {
	Providers  []ProviderStats `json:"providers"`
	MinCost    float64         `json:"min_cost"`
	QueueDepth int             `json:"queue_depth"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	providers := make([]*provider.Provider, len(d.providers))
	copy(providers, d.providers)
	minCost := d.minCost
	d.mu.Unlock()

	stats := Stats{
		Providers:  make([]ProviderStats, 0, len(providers)),
		MinCost:    minCost,
		QueueDepth: d.entry.Len(),
	}
	for _, p := range providers {
		stats.Providers = append(stats.Providers, ProviderStats{
			ID:          p.ID(),
			Online:      p.Online(),
			MinCost:     p.PublicMeta().MinCost,
			QueueLength: p.QueueLength(),
		})
	}
	return stats
}
