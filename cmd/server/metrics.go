package main

import (
	"time"

	"github.com/edenvr/genq/internal/dispatch"
	"github.com/edenvr/genq/internal/metrics"
	"github.com/edenvr/genq/internal/provider"
)

func startMetricsCollector(d *dispatch.Dispatcher) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		updateBrokerMetrics(d)
	}
}

func updateBrokerMetrics(d *dispatch.Dispatcher) {
	stats := d.Stats()

	online := 0
	for _, p := range stats.Providers {
		if p.Online {
			online++
		}
		metrics.UpdateTasksInFlight(p.ID, p.QueueLength)
	}
	metrics.UpdateProviderGauges(len(stats.Providers), online)
	metrics.UpdateEntryQueueDepth(stats.QueueDepth)

	if stats.MinCost < provider.UnboundedCost {
		metrics.UpdateMinCost(stats.MinCost)
	} else {
		metrics.UpdateMinCost(0)
	}
}
