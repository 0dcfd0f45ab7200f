package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pathAutosave = "autosave"
	pathManual   = "manual"
	pathResolve  = "resolve"

	outcomeSaved    = "saved"
	outcomeConflict = "conflict"
	outcomeKept     = "kept"
	outcomeError    = "error"
)

// Metrics holds the service's Prometheus collectors. Each instance owns its
// registry so tests can build as many services as they like.
type Metrics struct {
	registry        *prometheus.Registry
	saves           *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marksync",
			Name:      "document_saves_total",
			Help:      "Document saves by path and outcome.",
		}, []string{"path", "outcome"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marksync",
			Name:      "document_conflicts_total",
			Help:      "Detected save conflicts by classification.",
		}, []string{"type"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marksync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) observeSave(path, outcome string) {
	m.saves.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) observeConflict(conflictType string) {
	m.conflicts.WithLabelValues(conflictType).Inc()
}
