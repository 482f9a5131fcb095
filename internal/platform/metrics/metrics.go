package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	playlistsRewritten *prometheus.CounterVec
	upstreamFailures   *prometheus.CounterVec
	rejectedTargets    prometheus.Counter
	relayedBytesTotal  prometheus.Counter
	relaysTruncated    prometheus.Counter
	activeRelays       prometheus.Gauge
	extractionsTotal   *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		playlistsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_playlists_rewritten_total",
			Help: "Playlists fetched and rewritten, by playlist kind",
		}, []string{"kind"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_upstream_failures_total",
			Help: "Upstream fetch failures, by operation (playlist or relay)",
		}, []string{"op"}),
		rejectedTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_relay_rejected_targets_total",
			Help: "Relay targets rejected by scheme or host validation",
		}),
		relayedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_relay_bytes_total",
			Help: "Bytes streamed from upstream to clients",
		}),
		relaysTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_relay_truncated_total",
			Help: "Relays cut short by an upstream error or client disconnect",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_relay_active",
			Help: "Number of relays currently streaming",
		}),
		extractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_extractions_total",
			Help: "Source extractions, by result (hls, progressive, failed)",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.playlistsRewritten,
		m.upstreamFailures,
		m.rejectedTargets,
		m.relayedBytesTotal,
		m.relaysTruncated,
		m.activeRelays,
		m.extractionsTotal,
	)

	return m
}

// All recording methods are nil-safe so handlers can run without metrics (e.g. in tests).

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncPlaylistsRewritten counts a rewritten playlist of the given kind.
func (m *Metrics) IncPlaylistsRewritten(kind string) {
	if m != nil {
		m.playlistsRewritten.WithLabelValues(kind).Inc()
	}
}

// IncUpstreamFailures counts a failed upstream fetch for op.
func (m *Metrics) IncUpstreamFailures(op string) {
	if m != nil {
		m.upstreamFailures.WithLabelValues(op).Inc()
	}
}

// IncRejectedTargets counts a relay target that failed validation.
func (m *Metrics) IncRejectedTargets() {
	if m != nil {
		m.rejectedTargets.Inc()
	}
}

// AddRelayedBytes adds n to the relayed byte counter.
func (m *Metrics) AddRelayedBytes(n int64) {
	if m != nil && n > 0 {
		m.relayedBytesTotal.Add(float64(n))
	}
}

// IncRelaysTruncated counts a relay that ended before the upstream body did.
func (m *Metrics) IncRelaysTruncated() {
	if m != nil {
		m.relaysTruncated.Inc()
	}
}

// RelayStarted bumps the active relay gauge and returns the matching decrement.
func (m *Metrics) RelayStarted() (done func()) {
	if m == nil {
		return func() {}
	}
	m.activeRelays.Inc()
	return m.activeRelays.Dec
}

// IncExtractions counts an extraction with the given result label.
func (m *Metrics) IncExtractions(result string) {
	if m != nil {
		m.extractionsTotal.WithLabelValues(result).Inc()
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
