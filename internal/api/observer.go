package api

import (
	"github.com/edenvr/genq/internal/metrics"
	"github.com/edenvr/genq/internal/task"
)

// statusMetrics translates status-log entries into Prometheus counters so
// the scheduling core stays free of metrics plumbing.
type statusMetrics struct{}

func (statusMetrics) StatusLogged(_ string, entry task.LogEntry) {
	switch entry.Status {
	case task.StatusSetToProvider:
		providerID, _ := entry.Payload["provider_id"].(string)
		score, _ := entry.Payload["min_score"].(float64)
		metrics.RecordTaskScheduled(providerID, score)
	case task.StatusSentFailed:
		metrics.RecordSendRetry()
	}
}

type multiObserver []task.LogObserver

func (m multiObserver) StatusLogged(taskID string, entry task.LogEntry) {
	for _, o := range m {
		o.StatusLogged(taskID, entry)
	}
}

// newLogObserver combines the metrics translator with an optional external
// sink such as the Redis journal.
func newLogObserver(extra task.LogObserver) task.LogObserver {
	observers := multiObserver{statusMetrics{}}
	if extra != nil {
		observers = append(observers, extra)
	}
	return observers
}
