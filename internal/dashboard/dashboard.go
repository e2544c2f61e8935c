// Package dashboard implements the monitoring interface for broker state:
// provider registry, entry queue depth and per-task lifecycle history.
package dashboard

import (
	"net/http"
	"strings"
	"time"

	"github.com/edenvr/genq/internal/dispatch"
	"github.com/edenvr/genq/internal/httputil"
	"github.com/edenvr/genq/internal/provider"
	"github.com/edenvr/genq/internal/queue"
	"github.com/edenvr/genq/internal/task"
)

// TaskIndex is the boundary's live-task table, read-only here.
type TaskIndex interface {
	Lookup(id string) (*task.Task, bool)
	Snapshot() []*task.Task
}

type Dashboard struct {
	dispatcher *dispatch.Dispatcher
	entry      *queue.EntryQueue
	tasks      TaskIndex
}

type Stats struct {
	Providers     []dispatch.ProviderStats `json:"providers"`
	MinCost       *float64                 `json:"min_cost"`
	QueueDepth    int                      `json:"queue_depth"`
	LiveTasks     int                      `json:"live_tasks"`
	TasksByStatus map[string]int           `json:"tasks_by_status"`
	LastUpdated   time.Time                `json:"last_updated"`
}

type TaskSummary struct {
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	ProviderID     string  `json:"provider_id,omitempty"`
	MaxPrice       float64 `json:"max_price"`
	FailedAttempts int     `json:"failed_attempts"`
}

func New(d *dispatch.Dispatcher, entry *queue.EntryQueue, tasks TaskIndex) *Dashboard {
	return &Dashboard{dispatcher: d, entry: entry, tasks: tasks}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	snapshot := d.dispatcher.Stats()

	stats := Stats{
		Providers:     snapshot.Providers,
		QueueDepth:    snapshot.QueueDepth,
		TasksByStatus: make(map[string]int),
		LastUpdated:   time.Now(),
	}
	// An unbounded min cost means no provider can currently admit anything;
	// rendered as null rather than the float sentinel.
	if snapshot.MinCost < provider.UnboundedCost {
		stats.MinCost = &snapshot.MinCost
	}

	live := d.tasks.Snapshot()
	stats.LiveTasks = len(live)
	for _, t := range live {
		stats.TasksByStatus[t.Status().String()]++
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetTasks(w http.ResponseWriter, r *http.Request) {
	live := d.tasks.Snapshot()
	summaries := make([]TaskSummary, 0, len(live))
	for _, t := range live {
		summaries = append(summaries, TaskSummary{
			TaskID:         t.ID(),
			Status:         t.Status().String(),
			ProviderID:     t.ProviderID(),
			MaxPrice:       t.MaxPrice(),
			FailedAttempts: t.FailedAttempts(),
		})
	}

	httputil.WriteJSON(w, http.StatusOK, summaries)
}

// GetTaskHistory renders the audit trail of one task, one line per status
// transition.
func (d *Dashboard) GetTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/dashboard/history/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	t, ok := d.tasks.Lookup(taskID)
	if !ok {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"task_id": t.ID(),
		"status":  t.Status().String(),
		"history": t.RenderLog(),
	})
}
