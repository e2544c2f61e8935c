// Package queue implements the entry queue: the priority-ordered holding area
// for tasks that have not yet been assigned to a provider.
package queue

import (
	"container/heap"
	"sync"

	"github.com/edenvr/genq/internal/task"
)

// Listener is notified synchronously whenever a task is added through
// AddTask. It is the sole trigger for scheduling attempts; the queue itself
// performs no scheduling logic.
type Listener interface {
	TaskAdded(t *task.Task)
}

type item struct {
	t        *task.Task
	priority int64
	seq      uint64
	index    int
}

// taskHeap orders by priority (lower first), then by insertion sequence so
// that equal-priority ordering is stable for a given queue instance.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// EntryQueue is the global pending-task priority structure.
type EntryQueue struct {
	mu       sync.Mutex
	items    taskHeap
	byTask   map[*task.Task]*item
	seq      uint64
	listener Listener
}

func NewEntryQueue() *EntryQueue {
	return &EntryQueue{byTask: make(map[*task.Task]*item)}
}

// Subscribe installs the task-added listener. Must be called before tasks
// flow; the dispatcher does this at construction.
func (q *EntryQueue) Subscribe(l Listener) {
	q.mu.Lock()
	q.listener = l
	q.mu.Unlock()
}

// AddTask sets the task's priority key, inserts it, logs PushedIntoQueue and
// invokes the task-added listener synchronously. Never blocks.
func (q *EntryQueue) AddTask(t *task.Task, priority int64) {
	t.SetPriority(priority)
	q.mu.Lock()
	q.insertLocked(t, priority)
	listener := q.listener
	q.mu.Unlock()

	t.SetStatus(task.StatusPushedIntoQueue, nil)
	if listener != nil {
		listener.TaskAdded(t)
	}
}

// Requeue re-inserts a task at its existing priority without refiring the
// task-added listener. Used by the dispatcher's bounded retry so that the
// admission hook does not recurse into the pull loop.
func (q *EntryQueue) Requeue(t *task.Task) {
	q.mu.Lock()
	q.insertLocked(t, t.Priority())
	q.mu.Unlock()

	t.SetStatus(task.StatusPushedIntoQueue, nil)
}

func (q *EntryQueue) insertLocked(t *task.Task, priority int64) {
	if _, ok := q.byTask[t]; ok {
		return
	}
	it := &item{t: t, priority: priority, seq: q.seq}
	q.seq++
	q.byTask[t] = it
	heap.Push(&q.items, it)
}

// RemoveTask removes the task if present; no-op otherwise.
func (q *EntryQueue) RemoveTask(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byTask[t]
	if !ok {
		return
	}
	heap.Remove(&q.items, it.index)
	delete(q.byTask, t)
}

// PopTask scans in priority order and removes and returns the first task
// whose max price strictly exceeds minPrice. Skipped tasks are not mutated.
// Returns nil when no task qualifies.
func (q *EntryQueue) PopTask(minPrice float64) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*item
	var found *item
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*item)
		if it.t.MaxPrice() > minPrice {
			found = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(&q.items, it)
	}
	if found == nil {
		return nil
	}
	delete(q.byTask, found.t)
	return found.t
}

// Len returns the number of pending tasks.
func (q *EntryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
