// Package metrics holds the Prometheus collectors of the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbridge"

// Turn outcomes
const (
	OutcomeCompleted     = "completed"
	OutcomeUpstreamError = "upstream_error"
	OutcomeIdleTimeout   = "idle_timeout"
	OutcomeCancelled     = "cancelled"
)

// Job and upload outcomes
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Metrics groups the server collectors
type Metrics struct {
	registry *prometheus.Registry

	Turns            *prometheus.CounterVec
	UpstreamFailures prometheus.Counter
	PersistJobs      *prometheus.CounterVec
	RelayBytes       prometheus.Counter
	TurnDuration     prometheus.Histogram
	Uploads          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Relayed chat turns by outcome.",
		}, []string{"outcome"}),
		UpstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Agent service calls that failed or answered non-2xx.",
		}),
		PersistJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_jobs_total",
			Help:      "Background persistence attempts by outcome.",
		}, []string{"outcome"}),
		RelayBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes mirrored from the agent service to clients.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of relayed turns.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Nil-safe recorders; components accept a nil *Metrics

func (m *Metrics) TurnFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(seconds)
}

func (m *Metrics) UpstreamFailed() {
	if m == nil {
		return
	}
	m.UpstreamFailures.Inc()
}

func (m *Metrics) PersistJob(outcome string) {
	if m == nil {
		return
	}
	m.PersistJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Relayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayBytes.Add(float64(n))
}

func (m *Metrics) Upload(kind, outcome string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(kind, outcome).Inc()
}
