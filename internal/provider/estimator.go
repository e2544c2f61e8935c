package provider

import (
	"log"
	"sync"
	"time"

	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/task"
)

// EstimateFunc computes the expected execution time of a task on a provider
// with the given metadata. This is the pricing/latency model of the broker
// and is intentionally pluggable per deployment.
type EstimateFunc func(t *task.Task, pub protocol.PublicMeta, priv protocol.PrivateMeta) time.Duration

// DefaultEstimate is the reference placeholder: a constant per-task cost.
// Any real deployment replaces it with a model of the task and provider meta.
func DefaultEstimate(_ *task.Task, _ protocol.PublicMeta, _ protocol.PrivateMeta) time.Duration {
	return 4 * time.Millisecond
}

// Estimator accumulates the total estimated wait time across the tasks
// assigned to one provider. It is exclusively owned by that provider.
type Estimator struct {
	mu       sync.Mutex
	pub      protocol.PublicMeta
	priv     protocol.PrivateMeta
	estimate EstimateFunc
	perTask  map[*task.Task]time.Duration
	total    time.Duration
}

func NewEstimator(pub protocol.PublicMeta, priv protocol.PrivateMeta, estimate EstimateFunc) *Estimator {
	if estimate == nil {
		estimate = DefaultEstimate
	}
	return &Estimator{
		pub:      pub,
		priv:     priv,
		estimate: estimate,
		perTask:  make(map[*task.Task]time.Duration),
	}
}

// AddTask records the task's estimated contribution in the running sum.
func (e *Estimator) AddTask(t *task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.perTask[t]; ok {
		log.Printf("estimator: task %s already estimated", t.ID())
		return
	}
	estimated := e.estimate(t, e.pub, e.priv)
	e.perTask[t] = estimated
	e.total += estimated
}

// RemoveTask drops the task's contribution. Removing an untracked task is a
// warning, not an error.
func (e *Estimator) RemoveTask(t *task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	estimated, ok := e.perTask[t]
	if !ok {
		log.Printf("estimator: task %s is not in the estimator queue", t.ID())
		return
	}
	delete(e.perTask, t)
	e.total -= estimated
}

// WaitingTime returns the time a newly assigned task would wait behind all
// currently recorded tasks.
func (e *Estimator) WaitingTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// EstimateTaskWaitingTime returns the marginal estimate for a hypothetical
// task without recording it.
func (e *Estimator) EstimateTaskWaitingTime(t *task.Task) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate(t, e.pub, e.priv)
}

// UpdatePublicMeta swaps the metadata used by subsequent estimations.
// Already-recorded contributions are not recomputed.
func (e *Estimator) UpdatePublicMeta(pub protocol.PublicMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pub = pub
}

func (e *Estimator) UpdatePrivateMeta(priv protocol.PrivateMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priv = priv
}
