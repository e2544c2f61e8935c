// Package api is the HTTP boundary of the broker: job submission, task
// lookup, the provider websocket endpoint and the monitoring surface.
package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edenvr/genq/internal/auth"
	"github.com/edenvr/genq/internal/dashboard"
	"github.com/edenvr/genq/internal/dispatch"
	"github.com/edenvr/genq/internal/httputil"
	"github.com/edenvr/genq/internal/metrics"
	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/provider"
	"github.com/edenvr/genq/internal/queue"
	"github.com/edenvr/genq/internal/task"
	"github.com/edenvr/genq/internal/ws"
)

const (
	defaultMaxPrice         = 15
	defaultTimeToMoneyRatio = 1
)

// Config wires the boundary's collaborators.
type Config struct {
	// WSURL is the websocket URL advertised to clients and worker nodes.
	WSURL string

	// Verifier enforces bearer tokens on submissions when non-nil.
	Verifier *auth.Verifier

	// Journal receives every task status entry when non-nil.
	Journal task.LogObserver

	// ProviderOpts are applied to every provider the gateway creates.
	ProviderOpts provider.Options
}

type Server struct {
	mux        *http.ServeMux
	entry      *queue.EntryQueue
	dispatcher *dispatch.Dispatcher
	tasks      *Registry
	verifier   *auth.Verifier
	observer   task.LogObserver
	wsURL      string
}

type GenerationRequest struct {
	Prompt           string  `json:"prompt"`
	Model            string  `json:"model"`
	Size             int     `json:"size,omitempty"`
	Steps            int     `json:"steps,omitempty"`
	MaxPrice         float64 `json:"max_price,omitempty"`
	TimeToMoneyRatio float64 `json:"time_to_money_ratio,omitempty"`
	Token            string  `json:"token,omitempty"`
}

func NewServer(entry *queue.EntryQueue, d *dispatch.Dispatcher, cfg Config) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		entry:      entry,
		dispatcher: d,
		tasks:      NewRegistry(),
		verifier:   cfg.Verifier,
		observer:   newLogObserver(cfg.Journal),
		wsURL:      cfg.WSURL,
	}

	s.setupRoutes(cfg.ProviderOpts)
	return s
}

// Tasks exposes the live-task registry for tests and tooling.
func (s *Server) Tasks() *Registry {
	return s.tasks
}

func (s *Server) setupRoutes(providerOpts provider.Options) {
	s.mux.HandleFunc("/v1/client/hello/", s.handleHello)
	s.mux.HandleFunc("/v1/images/generation/", s.handleGenerate)
	s.mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	gateway := ws.NewGateway(s.dispatcher, s.tasks, providerOpts)
	s.mux.HandleFunc("/ws", gateway.HandleWS)

	dash := dashboard.New(s.dispatcher, s.entry, s.tasks)
	s.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	s.mux.HandleFunc("/api/dashboard/tasks", dash.GetTasks)
	s.mux.HandleFunc("/api/dashboard/history/", dash.GetTaskHistory)

	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "url": s.wsURL})
}

type outcome struct {
	ok     bool
	result protocol.Result
}

// submitListener bridges the task's terminal callback to the waiting HTTP
// handler. A provider-side failure is advanced to its terminal Aborted
// status before the handler is released.
type submitListener struct {
	ch chan outcome
}

func (l *submitListener) TaskCompleted(_ *task.Task, result protocol.Result) {
	select {
	case l.ch <- outcome{ok: true, result: result}:
	default:
	}
}

func (l *submitListener) TaskFailed(t *task.Task) {
	if t.Status() == task.StatusFailedByProvider {
		t.SetStatus(task.StatusAborted, nil)
	}
	select {
	case l.ch <- outcome{}:
	default:
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req GenerationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(req.Token); err != nil {
			httputil.WriteJSONError(w, "operation is not permitted", http.StatusUnauthorized)
			return
		}
	}
	if req.Prompt == "" {
		httputil.WriteJSONError(w, "prompt cannot be empty", http.StatusBadRequest)
		return
	}
	if req.MaxPrice <= 0 {
		req.MaxPrice = defaultMaxPrice
	}
	if req.TimeToMoneyRatio <= 0 {
		req.TimeToMoneyRatio = defaultTimeToMoneyRatio
	}

	done := make(chan outcome, 1)
	t := task.New(task.Info{
		ID:               uuid.New().String(),
		MaxPrice:         req.MaxPrice,
		TimeToMoneyRatio: req.TimeToMoneyRatio,
		Options: map[string]any{
			"prompt": req.Prompt,
			"model":  req.Model,
			"size":   req.Size,
			"steps":  req.Steps,
		},
	}, &submitListener{ch: done}, s.observer)

	s.tasks.Add(t)
	defer s.tasks.Remove(t.ID())

	metrics.RecordTaskSubmitted(req.Model)
	start := time.Now()

	// Old tasks drain first: priority is the submission timestamp.
	s.entry.AddTask(t, start.UnixMilli())

	select {
	case out := <-done:
		if out.ok {
			metrics.RecordTaskCompleted(time.Since(start))
			httputil.WriteJSON(w, http.StatusOK, map[string]any{
				"ok":      true,
				"task_id": t.ID(),
				"result":  out.result,
			})
			return
		}
		metrics.RecordTaskFailed(t.Status().String(), time.Since(start))
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":      false,
			"task_id": t.ID(),
			"error":   failureReason(t),
		})
	case <-r.Context().Done():
		s.abandon(t)
	}
}

// abandon releases a task whose submitter went away: pending tasks leave the
// queue, in-flight tasks are aborted on their provider.
func (s *Server) abandon(t *task.Task) {
	s.entry.RemoveTask(t)
	if t.Status() != task.StatusSentToProvider {
		return
	}
	if p, ok := s.dispatcher.Provider(t.ProviderID()); ok {
		p.AbortTask(t)
	}
}

// failureReason derives a human-readable reason from the task's final state,
// preferring the reason recorded in the status log.
func failureReason(t *task.Task) string {
	entries := t.Log()
	for i := len(entries) - 1; i >= 0; i-- {
		if reason, ok := entries[i].Payload["reason"].(string); ok && reason != "" {
			return reason
		}
	}
	switch t.Status() {
	case task.StatusRejectedByDispatcher:
		return "task was rejected by dispatcher"
	case task.StatusTimeout:
		return "task timed out"
	default:
		return "task failed"
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	t, ok := s.tasks.Lookup(taskID)
	if !ok {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"id":              t.ID(),
		"status":          t.Status().String(),
		"provider_id":     t.ProviderID(),
		"failed_attempts": t.FailedAttempts(),
		"log":             t.RenderLog(),
	})
}
