package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	// Bundle cache metrics
	BundleAssembliesTotal *prometheus.CounterVec
	BundleAssemblySeconds prometheus.Histogram
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CacheEvictionsTotal   prometheus.Counter
	CacheEntries          prometheus.Gauge

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsDeleted   prometheus.Counter
	SessionResumes    prometheus.Counter
	TurnsTotal        *prometheus.CounterVec
	TurnSeconds       prometheus.Histogram
	StreamCancelsTotal prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		BundleAssembliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindling_bundle_assemblies_total",
				Help: "Total number of bundle assemblies by outcome",
			},
			[]string{"outcome"},
		),
		BundleAssemblySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kindling_bundle_assembly_duration_seconds",
				Help:    "Duration of bundle assemblies in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_bundle_cache_hits_total",
			Help: "Total number of bundle cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_bundle_cache_misses_total",
			Help: "Total number of bundle cache misses",
		}),
		CacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_bundle_cache_evictions_total",
			Help: "Total number of bundle cache evictions",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kindling_bundle_cache_entries",
			Help: "Current number of cached bundles",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kindling_sessions_active",
			Help: "Current number of active sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		}),
		SessionResumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_session_resumes_total",
			Help: "Total number of session resumes",
		}),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindling_turns_total",
				Help: "Total number of conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kindling_turn_duration_seconds",
				Help:    "Duration of conversation turns in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		StreamCancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kindling_stream_cancellations_total",
			Help: "Total number of streaming turns cancelled by the consumer",
		}),
	}

	registry.MustRegister(
		m.BundleAssembliesTotal,
		m.BundleAssemblySeconds,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.CacheEntries,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsDeleted,
		m.SessionResumes,
		m.TurnsTotal,
		m.TurnSeconds,
		m.StreamCancelsTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (for tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
