package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the orchestrator.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	encoderStarts     *prometheus.CounterVec
	encoderExits      *prometheus.CounterVec
	encoderKills      prometheus.Counter
	activeEncoders    prometheus.Gauge
	transitions       *prometheus.CounterVec
	publishes         *prometheus.CounterVec
	ingestSessions    prometheus.Gauge
	statsSamples      prometheus.Counter
	eventPublishFails prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		encoderStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_encoder_starts_total",
			Help: "Encoder launch attempts by result",
		}, []string{"result"}),
		encoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_encoder_exits_total",
			Help: "Encoder process exits by reason (requested, unexpected)",
		}, []string{"reason"}),
		encoderKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_encoder_forced_kills_total",
			Help: "Encoders killed after ignoring the graceful stop signal",
		}),
		activeEncoders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_encoders",
			Help: "Number of supervised encoder processes",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_stream_transitions_total",
			Help: "Persisted stream status transitions by target status",
		}, []string{"status"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_ingest_publishes_total",
			Help: "Ingest publish notifications by result",
		}, []string{"result"}),
		ingestSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_ingest_sessions",
			Help: "Number of active ingest sessions",
		}),
		statsSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_stats_samples_total",
			Help: "Stats records appended by the collector",
		}),
		eventPublishFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_event_publish_failures_total",
			Help: "Lifecycle events that could not be published",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.encoderStarts,
		m.encoderExits,
		m.encoderKills,
		m.activeEncoders,
		m.transitions,
		m.publishes,
		m.ingestSessions,
		m.statsSamples,
		m.eventPublishFails,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncEncoderStarts counts a launch attempt; result is "success" or "failure".
func (m *Metrics) IncEncoderStarts(result string) {
	if m == nil {
		return
	}
	m.encoderStarts.WithLabelValues(result).Inc()
}

// IncEncoderExits counts an encoder exit; reason is "requested" or "unexpected".
func (m *Metrics) IncEncoderExits(reason string) {
	if m == nil {
		return
	}
	m.encoderExits.WithLabelValues(reason).Inc()
}

// IncEncoderKills counts a forced kill after the stop timeout.
func (m *Metrics) IncEncoderKills() {
	if m == nil {
		return
	}
	m.encoderKills.Inc()
}

// SetActiveEncoders sets the supervised encoder gauge.
func (m *Metrics) SetActiveEncoders(n int) {
	if m == nil {
		return
	}
	m.activeEncoders.Set(float64(n))
}

// IncTransitions counts a persisted status change.
func (m *Metrics) IncTransitions(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// IncPublishes counts an ingest publish; result is "accepted" or "rejected".
func (m *Metrics) IncPublishes(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// SetIngestSessions sets the active ingest session gauge.
func (m *Metrics) SetIngestSessions(n int) {
	if m == nil {
		return
	}
	m.ingestSessions.Set(float64(n))
}

// IncStatsSamples counts a stats record written by the collector.
func (m *Metrics) IncStatsSamples() {
	if m == nil {
		return
	}
	m.statsSamples.Inc()
}

// IncEventPublishFailures counts a lifecycle event that was dropped.
func (m *Metrics) IncEventPublishFailures() {
	if m == nil {
		return
	}
	m.eventPublishFails.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
