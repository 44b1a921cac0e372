package broker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	Registrations    *prometheus.CounterVec
	ClientConnects   *prometheus.CounterVec

	ActiveWaiting prometheus.Gauge
	ActivePairs   prometheus.Gauge

	PipedFrames prometheus.Counter
	PipedBytes  prometheus.Counter

	ReclaimedTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide broker metrics, created once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			ConnectionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_broker_connections_total",
					Help: "Accepted WebSocket connections by declared role",
				},
				[]string{"role"}, // origin, client, unknown
			),

			Registrations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_broker_registrations_total",
					Help: "server_register outcomes",
				},
				[]string{"result"}, // accepted, invalid_username, username_taken, error
			),

			ClientConnects: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_broker_client_connects_total",
					Help: "client_connect outcomes",
				},
				[]string{"result"}, // paired, unknown_username, server_offline, error
			),

			ActiveWaiting: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_broker_waiting_origins",
					Help: "Origins registered and waiting for a client",
				},
			),

			ActivePairs: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "relay_broker_active_pairs",
					Help: "Currently piped origin/client pairs",
				},
			),

			PipedFrames: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_broker_piped_frames_total",
					Help: "WebSocket messages forwarded between paired sockets",
				},
			),

			PipedBytes: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_broker_piped_bytes_total",
					Help: "Payload bytes forwarded between paired sockets",
				},
			),

			ReclaimedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "relay_broker_reclaimed_registrations_total",
					Help: "Stale registrations deleted by the reclaimer",
				},
			),
		}
	})
	return metrics
}

// RecordConnection counts an accepted socket by its declared role
func (m *Metrics) RecordConnection(role string) {
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordRegistration counts a server_register outcome
func (m *Metrics) RecordRegistration(result string) {
	m.Registrations.WithLabelValues(result).Inc()
}

// RecordClientConnect counts a client_connect outcome
func (m *Metrics) RecordClientConnect(result string) {
	m.ClientConnects.WithLabelValues(result).Inc()
}

// RecordPiped counts one forwarded message
func (m *Metrics) RecordPiped(bytes int) {
	m.PipedFrames.Inc()
	m.PipedBytes.Add(float64(bytes))
}

// RecordReclaimed counts deleted stale registrations
func (m *Metrics) RecordReclaimed(n int) {
	m.ReclaimedTotal.Add(float64(n))
}
