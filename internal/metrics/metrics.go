// Package metrics exposes Prometheus instrumentation for the diagnosis pipeline.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests and CLI one-shots.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on a private registry
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	modelLoads    *prometheus.CounterVec
	memoLookups   *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medscan",
			Name:      "requests_total",
			Help:      "Orchestrated operations by outcome (ok or error code).",
		}, []string{"operation", "outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medscan",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a single pipeline stage including inference.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"stage"}),
		modelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medscan",
			Name:      "model_loads_total",
			Help:      "Checkpoint load attempts by model key and result.",
		}, []string{"model", "result"}),
		memoLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medscan",
			Name:      "memo_lookups_total",
			Help:      "Inference memo lookups by tier and result.",
		}, []string{"tier", "result"}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveModelLoad(model, result string) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(model, result).Inc()
}

func (m *Metrics) ObserveMemo(tier, result string) {
	if m == nil {
		return
	}
	m.memoLookups.WithLabelValues(tier, result).Inc()
}
