package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	marketdMetricsOnce sync.Once
	marketdRegistry    *MarketdMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP handler activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gigvault",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP status
// that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable strings such
// as "rate_limit" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// MarketdMetrics tracks escrow settlement and project lifecycle health.
type MarketdMetrics struct {
	escrowOps       *prometheus.CounterVec
	settleLatency   *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	oracleFallbacks prometheus.Counter
	pendingEscrows  prometheus.Gauge
	purged          prometheus.Counter
}

// Marketd exposes the metrics registry for the marketplace service.
func Marketd() *MarketdMetrics {
	marketdMetricsOnce.Do(func() {
		marketdRegistry = &MarketdMetrics{
			escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation, currency and outcome.",
			}, []string{"operation", "currency", "outcome"}),
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gigvault",
				Subsystem: "escrow",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution of settlement transfers including confirmation.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"operation", "currency"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Project state transitions segmented by source and target state.",
			}, []string{"from", "to"}),
			oracleFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "oracle",
				Name:      "fallback_rate_total",
				Help:      "Conversions served from the configured fallback rate.",
			}),
			pendingEscrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gigvault",
				Subsystem: "escrow",
				Name:      "pending_unresolved",
				Help:      "Pending escrows awaiting reconciliation of an unknown outcome.",
			}),
			purged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "lifecycle",
				Name:      "stale_proposals_purged_total",
				Help:      "Stale proposals removed after a contractor was kicked off.",
			}),
		}
		prometheus.MustRegister(
			marketdRegistry.escrowOps,
			marketdRegistry.settleLatency,
			marketdRegistry.transitions,
			marketdRegistry.oracleFallbacks,
			marketdRegistry.pendingEscrows,
			marketdRegistry.purged,
		)
	})
	return marketdRegistry
}

// ObserveEscrow records an escrow operation outcome and its settlement latency.
func (m *MarketdMetrics) ObserveEscrow(operation, currency, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	cur := strings.TrimSpace(currency)
	if cur == "" {
		cur = "unknown"
	}
	if outcome == "" {
		outcome = "success"
	}
	m.escrowOps.WithLabelValues(op, cur, outcome).Inc()
	if duration > 0 {
		m.settleLatency.WithLabelValues(op, cur).Observe(duration.Seconds())
	}
}

// RecordTransition counts a project state change.
func (m *MarketdMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordOracleFallback counts a conversion that used the fallback rate.
func (m *MarketdMetrics) RecordOracleFallback() {
	if m == nil {
		return
	}
	m.oracleFallbacks.Inc()
}

// SetPendingEscrows reports the number of escrows awaiting reconciliation.
func (m *MarketdMetrics) SetPendingEscrows(n int) {
	if m == nil {
		return
	}
	m.pendingEscrows.Set(float64(n))
}

// RecordPurged counts stale proposals removed.
func (m *MarketdMetrics) RecordPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
