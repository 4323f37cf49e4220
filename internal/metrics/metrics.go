// Package metrics defines the Prometheus metrics of the access engine and
// the broadcast hub.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docaccess"

// Metrics provides Prometheus metrics for bundle processing and broadcast.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// BundlesTotal counts bundles by outcome: "applied", "rejected", "failed".
	BundlesTotal *prometheus.CounterVec

	// DenialsTotal counts access denials, labeled by permission.
	DenialsTotal *prometheus.CounterVec

	// ReloadsTotal counts mandatory reload signals sent to sessions.
	ReloadsTotal prometheus.Counter

	// FilteredActionsTotal counts outgoing actions by result:
	// "passed", "dropped", "rewritten".
	FilteredActionsTotal *prometheus.CounterVec

	// CacheEvictionsTotal counts session-keyed cache entries dropped,
	// labeled by cache: "permissions", "attributes".
	CacheEvictionsTotal *prometheus.CounterVec

	// DeliveriesTotal counts broadcast deliveries by result:
	// "delivered", "skipped", "reload", "failed", "overflow".
	DeliveriesTotal *prometheus.CounterVec

	// Subscribers tracks connected sessions.
	Subscribers prometheus.Gauge

	// FilterDuration observes the time spent filtering one update for one
	// session.
	FilterDuration prometheus.Histogram

	// StepDuration observes the time spent computing a bundle step cache.
	StepDuration *prometheus.HistogramVec
}

// New creates and registers the metrics with reg. If reg is nil, metrics
// are created but not registered (useful for testing).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BundlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundles",
			Name:      "total",
			Help:      "Bundles processed, by outcome",
		}, []string{"outcome"}),
		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "denials_total",
			Help:      "Access denials, by permission",
		}, []string{"permission"}),
		ReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "reloads_total",
			Help:      "Mandatory reload signals",
		}),
		FilteredActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "filtered_actions_total",
			Help:      "Outgoing actions, by filtering result",
		}, []string{"result"}),
		CacheEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "cache_evictions_total",
			Help:      "Session-keyed cache entries evicted",
		}, []string{"cache"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Broadcast deliveries, by result",
		}, []string{"result"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Connected sessions",
		}),
		FilterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "filter_duration_seconds",
			Help:      "Time spent filtering one update for one session",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bundles",
			Name:      "step_duration_seconds",
			Help:      "Time spent computing bundle step caches",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"kind"}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.BundlesTotal,
			m.DenialsTotal,
			m.ReloadsTotal,
			m.FilteredActionsTotal,
			m.CacheEvictionsTotal,
			m.DeliveriesTotal,
			m.Subscribers,
			m.FilterDuration,
			m.StepDuration,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				// Ignore AlreadyRegisteredError (a second engine in one process).
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}

	return m
}

// RecordBundle counts a finished bundle.
func (m *Metrics) RecordBundle(outcome string) {
	if m == nil {
		return
	}
	m.BundlesTotal.WithLabelValues(outcome).Inc()
}

// RecordDenial counts a fatal access denial.
func (m *Metrics) RecordDenial(permission string) {
	if m == nil {
		return
	}
	if permission == "" {
		permission = "unknown"
	}
	m.DenialsTotal.WithLabelValues(permission).Inc()
}

// RecordReload counts a mandatory reload signal.
func (m *Metrics) RecordReload() {
	if m == nil {
		return
	}
	m.ReloadsTotal.Inc()
}

// RecordFiltered counts outgoing actions by result.
func (m *Metrics) RecordFiltered(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FilteredActionsTotal.WithLabelValues(result).Add(float64(n))
}

// RecordEvictions counts dropped cache entries.
func (m *Metrics) RecordEvictions(cache string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(cache).Add(float64(n))
}

// RecordDelivery counts one delivery attempt.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// SetSubscribers sets the number of connected sessions.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// ObserveFilter records the time taken to filter one update.
func (m *Metrics) ObserveFilter(d time.Duration) {
	if m == nil {
		return
	}
	m.FilterDuration.Observe(d.Seconds())
}

// ObserveSteps records the time taken to compute a step cache.
func (m *Metrics) ObserveSteps(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(kind).Observe(d.Seconds())
}
