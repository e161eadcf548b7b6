package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking lifecycle event publication.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of lifecycle events published segmented by action and sink.",
			}, []string{"action", "sink"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "events",
				Name:      "publish_failures_total",
				Help:      "Count of lifecycle events that could not be published.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.failures)
	})
	return eventRegistry
}

// RecordPublished increments the publication counter.
func (m *eventMetrics) RecordPublished(action, sink string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(action))
	if normalized == "" {
		normalized = "unknown"
	}
	m.published.WithLabelValues(normalized, sink).Inc()
}

// RecordFailure increments the failure counter for sink.
func (m *eventMetrics) RecordFailure(sink string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(sink).Inc()
}
