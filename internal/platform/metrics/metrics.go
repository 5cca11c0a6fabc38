package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	errorsTotal              prometheus.Counter
	sessionsStartedTotal     prometheus.Counter
	sessionsEndedTotal       prometheus.Counter
	fragmentsDownloadedTotal prometheus.Counter
	fragmentsFailedTotal     prometheus.Counter
	fragmentsRelayedTotal    prometheus.Counter
	activeChannels           prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Total number of broadcast sessions detected",
		}),
		sessionsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_ended_total",
			Help: "Total number of broadcast sessions finalized",
		}),
		fragmentsDownloadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fragments_downloaded_total",
			Help: "Total number of media fragments persisted to disk",
		}),
		fragmentsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fragments_failed_total",
			Help: "Total number of fragment downloads that failed",
		}),
		fragmentsRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fragments_relayed_total",
			Help: "Total number of fragments relayed live from the upstream CDN",
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_channels",
			Help: "Number of channels with a running session machine",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStartedTotal,
		m.sessionsEndedTotal,
		m.fragmentsDownloadedTotal,
		m.fragmentsFailedTotal,
		m.fragmentsRelayedTotal,
		m.activeChannels,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsEnded increments the sessions ended counter.
func (m *Metrics) IncSessionsEnded() {
	m.sessionsEndedTotal.Inc()
}

// IncFragmentsDownloaded increments the fragments downloaded counter.
func (m *Metrics) IncFragmentsDownloaded() {
	m.fragmentsDownloadedTotal.Inc()
}

// IncFragmentsFailed increments the fragment failure counter.
func (m *Metrics) IncFragmentsFailed() {
	m.fragmentsFailedTotal.Inc()
}

// IncFragmentsRelayed increments the live-relay counter.
func (m *Metrics) IncFragmentsRelayed() {
	m.fragmentsRelayedTotal.Inc()
}

// SetActiveChannels sets the active channels gauge.
func (m *Metrics) SetActiveChannels(n int) {
	m.activeChannels.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active channels).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
