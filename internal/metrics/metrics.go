// Package metrics provides Prometheus metrics for monitoring the broker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genq_tasks_submitted_total",
			Help: "Total number of tasks accepted by the boundary layer",
		},
		[]string{"model"},
	)
	TasksScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genq_tasks_scheduled_total",
			Help: "Total number of tasks assigned to a provider",
		},
		[]string{"provider"},
	)
	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genq_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genq_tasks_failed_total",
			Help: "Total number of tasks that ended in a failed status",
		},
		[]string{"status"},
	)
	SendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genq_send_retries_total",
			Help: "Total number of failed send attempts to providers",
		},
	)
	ScheduleScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genq_schedule_score",
			Help:    "Winning score (cost + waitingTime * urgency) per scheduling decision",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250, 500, 1000},
		},
	)
	TaskResolution = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genq_task_resolution_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"outcome"},
	)
	EntryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genq_entry_queue_depth",
			Help: "Current number of tasks waiting in the entry queue",
		},
	)
	ProvidersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genq_providers_registered",
			Help: "Number of providers in the dispatcher registry",
		},
	)
	ProvidersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genq_providers_online",
			Help: "Number of registered providers currently online",
		},
	)
	MinCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genq_min_cost",
			Help: "Cached minimum advertised cost across non-busy online providers",
		},
	)
	TasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genq_tasks_in_flight",
			Help: "In-flight task count per provider",
		},
		[]string{"provider"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskSubmitted(model string) {
	TasksSubmitted.WithLabelValues(model).Inc()
}

func RecordTaskScheduled(providerID string, score float64) {
	TasksScheduled.WithLabelValues(providerID).Inc()
	ScheduleScore.Observe(score)
}

func RecordSendRetry() {
	SendRetries.Inc()
}

func RecordTaskCompleted(resolution time.Duration) {
	TasksCompleted.Inc()
	TaskResolution.WithLabelValues("completed").Observe(resolution.Seconds())
}

func RecordTaskFailed(status string, resolution time.Duration) {
	TasksFailed.WithLabelValues(status).Inc()
	TaskResolution.WithLabelValues("failed").Observe(resolution.Seconds())
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func UpdateEntryQueueDepth(depth int) {
	EntryQueueDepth.Set(float64(depth))
}

func UpdateProviderGauges(registered, online int) {
	ProvidersRegistered.Set(float64(registered))
	ProvidersOnline.Set(float64(online))
}

func UpdateMinCost(cost float64) {
	MinCost.Set(cost)
}

func UpdateTasksInFlight(providerID string, count int) {
	TasksInFlight.WithLabelValues(providerID).Set(float64(count))
}
