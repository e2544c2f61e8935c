// Package task defines the core job record tracked by the broker: immutable
// submission parameters plus mutable lifecycle state with an append-only
// status log that serves as the audit trail.
package task

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/edenvr/genq/internal/protocol"
)

// Info holds the immutable parameters of a submitted job. Options carries the
// prompt/model payload and is never interpreted by the scheduling core.
type Info struct {
	ID               string  `json:"id"`
	MaxPrice         float64 `json:"max_price"`
	TimeToMoneyRatio float64 `json:"time_to_money_ratio"`
	Options          any     `json:"task_options,omitempty"`
}

// Listener receives the terminal outcome of a task. Implementations must not
// call back into the scheduling core synchronously.
type Listener interface {
	TaskCompleted(t *Task, result protocol.Result)
	TaskFailed(t *Task)
}

// LogObserver is notified of every status entry appended to a task's log.
// Used to feed external observability sinks.
type LogObserver interface {
	StatusLogged(taskID string, entry LogEntry)
}

// LogEntry is one record of the task's status history.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Status  Status         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e LogEntry) String() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("[%s] %s", e.Time.Format(time.RFC3339Nano), e.Status)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return fmt.Sprintf("[%s] %s %s", e.Time.Format(time.RFC3339Nano), e.Status, payload)
}

// Task is one admitted job. The dispatcher mutates it during queueing and
// scheduling, its assigned provider during execution; never both at once.
type Task struct {
	info Info

	mu             sync.Mutex
	status         Status
	priority       int64
	providerID     string
	failedAttempts int
	entries        []LogEntry
	resolved       bool

	listener Listener
	observer LogObserver
}

// New creates a task in the Initial status. listener receives the terminal
// outcome; observer may be nil.
func New(info Info, listener Listener, observer LogObserver) *Task {
	return &Task{
		info:     info,
		status:   StatusInitial,
		listener: listener,
		observer: observer,
	}
}

func (t *Task) ID() string { return t.info.ID }

func (t *Task) MaxPrice() float64 { return t.info.MaxPrice }

// TimeToMoneyRatio is the urgency coefficient: the price the client pays per
// millisecond of expected waiting. Higher means latency costs more relative
// to price.
func (t *Task) TimeToMoneyRatio() float64 { return t.info.TimeToMoneyRatio }

func (t *Task) Options() any { return t.info.Options }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus advances the lifecycle and appends a log entry. Transitions off
// the lifecycle graph, or past a terminal status, are logged and dropped.
func (t *Task) SetStatus(status Status, payload map[string]any) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		log.Printf("task %s: ignoring status %s after terminal %s", t.info.ID, status, t.status)
		return
	}
	if !ValidTransition(t.status, status) {
		t.mu.Unlock()
		log.Printf("task %s: invalid transition %s -> %s", t.info.ID, t.status, status)
		return
	}
	entry := LogEntry{Time: time.Now(), Status: status, Payload: payload}
	t.entries = append(t.entries, entry)
	t.status = status
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer.StatusLogged(t.info.ID, entry)
	}
}

// Log returns a copy of the status history in insertion order.
func (t *Task) Log() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]LogEntry, len(t.entries))
	copy(entries, t.entries)
	return entries
}

// RenderLog returns the human-readable audit trail, one line per entry.
func (t *Task) RenderLog() []string {
	entries := t.Log()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

func (t *Task) SetPriority(priority int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = priority
}

func (t *Task) Priority() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Task) SetProviderID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providerID = id
}

func (t *Task) ProviderID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.providerID
}

func (t *Task) AddFailedAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedAttempts++
}

func (t *Task) FailedAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedAttempts
}

// Complete delivers the result to the listener. At most one of Complete or
// Fail ever reaches the listener.
func (t *Task) Complete(result protocol.Result) {
	if !t.resolve() {
		return
	}
	if t.listener != nil {
		t.listener.TaskCompleted(t, result)
	}
}

// Fail reports the terminal failure to the listener.
func (t *Task) Fail() {
	if !t.resolve() {
		return
	}
	if t.listener != nil {
		t.listener.TaskFailed(t)
	}
}

func (t *Task) resolve() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		log.Printf("task %s: outcome already delivered", t.info.ID)
		return false
	}
	t.resolved = true
	return true
}
