// Package metrics wires the module's ambient process metrics
// (SPEC_FULL.md Domain Stack): queue occupancy, health-check failures,
// mesh peer count, and outstanding-message backlog, exported over
// prometheus/client_golang the way any long-running Go service in this
// corpus does it — one registry, promauto-registered collectors, a
// promhttp handler served by this package's Module when CLI.MetricsAddr
// is set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this module exports. Nil-safe: a nil
// *Metrics receiver is a valid no-op for every method, so components can
// take a *Metrics without a constructor forcing metrics onto every
// caller (e.g. tests that don't care about observability).
type Metrics struct {
	registry *prometheus.Registry

	queueOccupancy      *prometheus.GaugeVec
	healthCheckFailures *prometheus.CounterVec
	meshPeerCount       prometheus.Gauge
	outstandingMessages prometheus.Gauge
	connectAttempts     *prometheus.CounterVec
}

// New returns a Metrics bound to a fresh, isolated registry (not the
// global prometheus.DefaultRegisterer, so multiple instances — e.g. one
// per test — never collide on collector names).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		queueOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rdmnet",
			Subsystem: "queue",
			Name:      "occupancy_bytes",
			Help:      "Current buffered byte count of a peer session's outbound MessageQueue.",
		}, []string{"peer"}),
		healthCheckFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdmnet",
			Subsystem: "health",
			Name:      "check_failures_total",
			Help:      "Count of HealthCheckedConnection unhealthy notifications, by peer.",
		}, []string{"peer"}),
		meshPeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdmnet",
			Subsystem: "mesh",
			Name:      "peer_count",
			Help:      "Current number of live ControllerMesh peer sessions.",
		}),
		outstandingMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdmnet",
			Subsystem: "agent",
			Name:      "outstanding_messages",
			Help:      "Current number of ControllerAgent status messages awaiting acknowledgement.",
		}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdmnet",
			Subsystem: "connector",
			Name:      "attempts_total",
			Help:      "Count of TcpConnector dial attempts, partitioned by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the Prometheus HTTP handler; Module serves it as the
// whole handler of the metrics server, so it answers on every path.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueOccupancy records peer's current MessageQueue buffer size.
func (m *Metrics) SetQueueOccupancy(peer string, bytes int) {
	if m == nil {
		return
	}
	m.queueOccupancy.WithLabelValues(peer).Set(float64(bytes))
}

// DeleteQueueOccupancy removes peer's gauge series once its session
// closes, so a churn of short-lived peers doesn't grow the series set
// unbounded.
func (m *Metrics) DeleteQueueOccupancy(peer string) {
	if m == nil {
		return
	}
	m.queueOccupancy.DeleteLabelValues(peer)
}

// IncHealthCheckFailure records one unhealthy notification for peer.
func (m *Metrics) IncHealthCheckFailure(peer string) {
	if m == nil {
		return
	}
	m.healthCheckFailures.WithLabelValues(peer).Inc()
}

// SetMeshPeerCount records the current live ControllerMesh peer count.
func (m *Metrics) SetMeshPeerCount(n int) {
	if m == nil {
		return
	}
	m.meshPeerCount.Set(float64(n))
}

// SetOutstandingMessages records the current ControllerAgent backlog
// size.
func (m *Metrics) SetOutstandingMessages(n int) {
	if m == nil {
		return
	}
	m.outstandingMessages.Set(float64(n))
}

// IncConnectAttempt records one TcpConnector dial attempt outcome
// ("success" or "failure").
func (m *Metrics) IncConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(outcome).Inc()
}
