package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "loansync"

// Metrics groups the collectors shared by the sync pipeline. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	SnapshotInstalls    *prometheus.CounterVec
	Updates             *prometheus.CounterVec
	PendingUpdates      prometheus.Gauge
	FetchDuration       *prometheus.HistogramVec
	FetchErrors         *prometheus.CounterVec
	EventsReceived      *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	DiscardedResults    *prometheus.CounterVec
	IdleEvictions       prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SnapshotInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_installs_total",
			Help:      "Full snapshot install attempts by result.",
		}, []string{"result"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_total",
			Help:      "Pending update attempts by result.",
		}, []string{"result"}),
		PendingUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_updates",
			Help:      "Pending updates held in overlays across all scopes.",
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of batched loan reads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_errors_total",
			Help:      "Failed batched loan reads.",
		}, []string{"kind"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Loan events received from the chain.",
		}, []string{"kind"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_subscriptions",
			Help:      "Scopes with a live subscription.",
		}),
		DiscardedResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_results_total",
			Help:      "Fetch results dropped because their subscription was torn down.",
		}, []string{"kind"}),
		IdleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "idle_evictions_total",
			Help:      "Subscriptions torn down after going unobserved.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SnapshotInstalls,
		m.Updates,
		m.PendingUpdates,
		m.FetchDuration,
		m.FetchErrors,
		m.EventsReceived,
		m.ActiveSubscriptions,
		m.DiscardedResults,
		m.IdleEvictions,
	)
	return m
}
