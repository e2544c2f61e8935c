package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenvr/genq/internal/dispatch"
	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/provider"
	"github.com/edenvr/genq/internal/queue"
	"github.com/edenvr/genq/internal/task"
)

type fakeIndex struct {
	tasks map[string]*task.Task
}

func (f *fakeIndex) Lookup(id string) (*task.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeIndex) Snapshot() []*task.Task {
	tasks := make([]*task.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

type nullConn struct{}

func (nullConn) SendTask(context.Context, *task.Task) error  { return nil }
func (nullConn) AbortTask(context.Context, *task.Task) error { return nil }
func (nullConn) Close() error                                { return nil }

func setupDashboard(tasks map[string]*task.Task) (*Dashboard, *dispatch.Dispatcher) {
	entry := queue.NewEntryQueue()
	d := dispatch.New(entry)
	if tasks == nil {
		tasks = map[string]*task.Task{}
	}
	return New(d, entry, &fakeIndex{tasks: tasks}), d
}

func TestGetStatsEmpty(t *testing.T) {
	dash, _ := setupDashboard(nil)

	rec := httptest.NewRecorder()
	dash.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Empty(t, stats.Providers)
	assert.Nil(t, stats.MinCost)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.LiveTasks)
}

func TestGetStatsWithProvidersAndTasks(t *testing.T) {
	queued := task.New(task.Info{ID: "t1"}, nil, nil)
	queued.SetStatus(task.StatusPushedIntoQueue, nil)
	running := task.New(task.Info{ID: "t2"}, nil, nil)
	running.SetStatus(task.StatusPushedIntoQueue, nil)
	running.SetStatus(task.StatusPulledByDispatcher, nil)
	running.SetStatus(task.StatusSetToProvider, nil)
	running.SetStatus(task.StatusSentToProvider, nil)

	dash, d := setupDashboard(map[string]*task.Task{"t1": queued, "t2": running})
	d.AddProvider(provider.New("p1",
		protocol.PublicMeta{Version: 1, MinCost: 10},
		protocol.PrivateMeta{}, nullConn{}, provider.Options{}))

	rec := httptest.NewRecorder()
	dash.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats.Providers, 1)
	assert.Equal(t, "p1", stats.Providers[0].ID)
	require.NotNil(t, stats.MinCost)
	assert.Equal(t, 10.0, *stats.MinCost)
	assert.Equal(t, 2, stats.LiveTasks)
	assert.Equal(t, 1, stats.TasksByStatus["PushedIntoQueue"])
	assert.Equal(t, 1, stats.TasksByStatus["SentToProvider"])
}

func TestGetTasks(t *testing.T) {
	tk := task.New(task.Info{ID: "t1", MaxPrice: 15}, nil, nil)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetProviderID("p1")

	dash, _ := setupDashboard(map[string]*task.Task{"t1": tk})

	rec := httptest.NewRecorder()
	dash.GetTasks(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []TaskSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "t1", summaries[0].TaskID)
	assert.Equal(t, "PushedIntoQueue", summaries[0].Status)
	assert.Equal(t, "p1", summaries[0].ProviderID)
	assert.Equal(t, 15.0, summaries[0].MaxPrice)
}

func TestGetTaskHistory(t *testing.T) {
	tk := task.New(task.Info{ID: "t1"}, nil, nil)
	tk.SetStatus(task.StatusPushedIntoQueue, nil)
	tk.SetStatus(task.StatusPulledByDispatcher, nil)
	tk.SetStatus(task.StatusSetToProvider, map[string]any{"provider_id": "p1"})

	dash, _ := setupDashboard(map[string]*task.Task{"t1": tk})

	rec := httptest.NewRecorder()
	dash.GetTaskHistory(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/history/t1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		TaskID  string   `json:"task_id"`
		Status  string   `json:"status"`
		History []string `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "t1", body.TaskID)
	assert.Equal(t, "SetToProvider", body.Status)
	require.Len(t, body.History, 3)
	assert.Contains(t, body.History[2], "SetToProvider")
}

func TestGetTaskHistoryNotFound(t *testing.T) {
	dash, _ := setupDashboard(nil)

	rec := httptest.NewRecorder()
	dash.GetTaskHistory(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/history/ghost", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskHistoryMissingID(t *testing.T) {
	dash, _ := setupDashboard(nil)

	rec := httptest.NewRecorder()
	dash.GetTaskHistory(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard/history/", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
