// Package metrics holds the Prometheus collectors of the proxy, registered
// on a private registry and served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates Prometheus metrics for the server.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	UpstreamOpenDuration *prometheus.HistogramVec
	ChunksRelayed        prometheus.Counter
	StreamOutcomes       *prometheus.CounterVec
	ParameterClamps      *prometheus.CounterVec
	LorebookActivations  *prometheus.CounterVec

	BreakerState prometheus.Gauge
	BreakerTrips prometheus.Counter
}

// NewMetrics creates a new Metrics instance with a custom registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorebridge_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lorebridge_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lorebridge_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorebridge_errors_total",
				Help: "Total number of errors returned to callers by kind",
			},
			[]string{"kind"},
		),
		UpstreamOpenDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lorebridge_upstream_first_chunk_seconds",
				Help:    "Time from opening an upstream stream to its first chunk",
				Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"model"},
		),
		ChunksRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lorebridge_stream_chunks_total",
				Help: "Total number of upstream chunks relayed to callers",
			},
		),
		StreamOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorebridge_request_outcomes_total",
				Help: "Terminal state of chat completion requests",
			},
			[]string{"outcome"},
		),
		ParameterClamps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorebridge_parameter_clamps_total",
				Help: "Generation parameters clamped into provider bounds",
			},
			[]string{"field"},
		),
		LorebookActivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lorebridge_lorebook_activations_total",
				Help: "Lorebook entries injected into conversations",
			},
			[]string{"entry"},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lorebridge_circuit_breaker_state",
				Help: "Current state of the upstream circuit breaker (0=closed, 1=half-open, 2=open)",
			},
		),
		BreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lorebridge_circuit_breaker_trips_total",
				Help: "Total number of times the upstream circuit breaker has opened",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, outcome := range []string{"completed", "interrupted", "errored"} {
		m.StreamOutcomes.WithLabelValues(outcome).Add(0)
	}

	return m
}

// ObserveClamp records that a request parameter was clamped.
func (m *Metrics) ObserveClamp(field string) {
	m.ParameterClamps.WithLabelValues(field).Inc()
}

// ObserveOutcome records a request's terminal state.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveError records an error kind returned to a caller.
func (m *Metrics) ObserveError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}
