package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the audio relay.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	chunksReceivedTotal   prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	sessionsEndedTotal    prometheus.Counter
	assembliesTotal       prometheus.Counter
	fragmentsSkippedTotal prometheus.Counter
	activeSessions        prometheus.Gauge
	errorsTotal           prometheus.Counter
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of HTTP requests received",
	})
	chunksReceivedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_chunks_received_total",
		Help: "Total number of audio fragments persisted",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_started_total",
		Help: "Total number of sessions created",
	})
	sessionsEndedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_ended_total",
		Help: "Total number of sessions that reached the ended state",
	})
	assembliesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_assemblies_total",
		Help: "Total number of successful final stream assemblies",
	})
	fragmentsSkippedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fragments_skipped_total",
		Help: "Total number of fragments skipped during assembly because normalization failed",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Number of sessions that are not ended",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		chunksReceivedTotal,
		sessionsStartedTotal,
		sessionsEndedTotal,
		assembliesTotal,
		fragmentsSkippedTotal,
		activeSessions,
		errorsTotal,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		chunksReceivedTotal:   chunksReceivedTotal,
		sessionsStartedTotal:  sessionsStartedTotal,
		sessionsEndedTotal:    sessionsEndedTotal,
		assembliesTotal:       assembliesTotal,
		fragmentsSkippedTotal: fragmentsSkippedTotal,
		activeSessions:        activeSessions,
		errorsTotal:           errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncChunksReceived increments the persisted fragment counter.
func (m *Metrics) IncChunksReceived() {
	m.chunksReceivedTotal.Inc()
}

// IncSessionsStarted increments the sessions created counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsEnded increments the sessions ended counter.
func (m *Metrics) IncSessionsEnded() {
	m.sessionsEndedTotal.Inc()
}

// IncAssemblies increments the successful assembly counter.
func (m *Metrics) IncAssemblies() {
	m.assembliesTotal.Inc()
}

// AddFragmentsSkipped adds n to the skipped fragment counter.
func (m *Metrics) AddFragmentsSkipped(n int) {
	m.fragmentsSkippedTotal.Add(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
