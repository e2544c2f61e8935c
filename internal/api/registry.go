package api

import (
	"sync"

	"github.com/edenvr/genq/internal/task"
)

// Registry is the boundary-owned table of live tasks, keyed by id. The
// gateway resolves worker-reported results against it; entries are removed
// when the submitting request finishes.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task.Task)}
}

func (r *Registry) Add(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID()] = t
}

func (r *Registry) Lookup(id string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Snapshot returns the live tasks in no particular order.
func (r *Registry) Snapshot() []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}
