package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Message metrics
	MessagesTotal *prometheus.CounterVec
	FrameErrors   *prometheus.CounterVec

	// Crypto metrics
	DecryptFailures prometheus.Counter
	AuthOutcomes    *prometheus.CounterVec

	// Channel metrics
	ActiveSubscriptions prometheus.Gauge

	// Upload metrics
	UploadBytesTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide gateway metrics. promauto binds to
// the default registry, so the set is created exactly once no matter how
// many gateways a process runs.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			ActiveConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_gateway_active_connections",
					Help: "Number of currently open gateway connections",
				},
			),

			ConnectionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_gateway_connections_total",
					Help: "Total number of gateway connections accepted",
				},
			),

			MessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_gateway_messages_total",
					Help: "Total messages dispatched, by message type",
				},
				[]string{"type"},
			),

			FrameErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_gateway_frame_errors_total",
					Help: "Frames dropped before dispatch, by error kind",
				},
				[]string{"kind"}, // UNKNOWN_FORMAT, INVALID_UTF8, INVALID_JSON
			),

			DecryptFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_gateway_decrypt_failures_total",
					Help: "Encrypted envelopes that failed authentication and were dropped",
				},
			),

			AuthOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_gateway_auth_total",
					Help: "Handshake outcomes",
				},
				[]string{"outcome"}, // success, failure, rejected, resumed, resume_rejected
			),

			ActiveSubscriptions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_gateway_active_subscriptions",
					Help: "Number of currently open channel subscriptions",
				},
			),

			UploadBytesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_gateway_upload_bytes_total",
					Help: "Total upload payload bytes accepted",
				},
			),
		}
	})
	return metrics
}

// RecordConnection tracks a connection opening or closing
func (m *Metrics) RecordConnection(connected bool) {
	if connected {
		m.ActiveConnections.Inc()
		m.ConnectionsTotal.Inc()
	} else {
		m.ActiveConnections.Dec()
	}
}

// RecordMessage counts a dispatched message by type
func (m *Metrics) RecordMessage(msgType string) {
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordFrameError counts a dropped frame by error kind
func (m *Metrics) RecordFrameError(kind string) {
	m.FrameErrors.WithLabelValues(kind).Inc()
}

// RecordDecryptFailure counts a silently dropped envelope
func (m *Metrics) RecordDecryptFailure() {
	m.DecryptFailures.Inc()
}

// RecordAuth counts a handshake outcome
func (m *Metrics) RecordAuth(outcome string) {
	m.AuthOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSubscription tracks a subscription opening or closing
func (m *Metrics) RecordSubscription(open bool) {
	if open {
		m.ActiveSubscriptions.Inc()
	} else {
		m.ActiveSubscriptions.Dec()
	}
}

// RecordUploadBytes counts accepted upload payload bytes
func (m *Metrics) RecordUploadBytes(n int) {
	m.UploadBytesTotal.Add(float64(n))
}
