package prometheus

import (
	"sync"

	"github.com/marmos91/dittosock/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// listenerMetrics is the Prometheus implementation of metrics.ListenerMetrics.
type listenerMetrics struct {
	activeConnections      *prometheus.GaugeVec
	connectionsAccepted    *prometheus.CounterVec
	connectionsRejected    *prometheus.CounterVec
	connectionsClosed      *prometheus.CounterVec
	connectionsForceClosed *prometheus.CounterVec
}

// Collectors register once per process; later calls share the instance.
var (
	listenerOnce     sync.Once
	listenerInstance metrics.ListenerMetrics
)

// NewListenerMetrics creates a Prometheus-backed ListenerMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewListenerMetrics() metrics.ListenerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopListenerMetrics()
	}

	listenerOnce.Do(func() {
		listenerInstance = newListenerMetrics(metrics.GetRegistry())
	})
	return listenerInstance
}

func newListenerMetrics(reg *prometheus.Registry) *listenerMetrics {
	labels := []string{"listener"}

	return &listenerMetrics{
		activeConnections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittosock_active_connections",
				Help: "Current number of active connections per listener",
			},
			labels,
		),
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
			labels,
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_connections_rejected_total",
				Help: "Total number of connections rejected at the connection limit",
			},
			labels,
		),
		connectionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_connections_closed_total",
				Help: "Total number of connections closed",
			},
			labels,
		),
		connectionsForceClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_connections_force_closed_total",
				Help: "Total number of connections force-closed during shutdown timeout",
			},
			labels,
		),
	}
}

func (m *listenerMetrics) SetActiveConnections(listener string, count int32) {
	m.activeConnections.WithLabelValues(listener).Set(float64(count))
}

func (m *listenerMetrics) RecordConnectionAccepted(listener string) {
	m.connectionsAccepted.WithLabelValues(listener).Inc()
}

func (m *listenerMetrics) RecordConnectionRejected(listener string) {
	m.connectionsRejected.WithLabelValues(listener).Inc()
}

func (m *listenerMetrics) RecordConnectionClosed(listener string) {
	m.connectionsClosed.WithLabelValues(listener).Inc()
}

func (m *listenerMetrics) RecordConnectionForceClosed(listener string) {
	m.connectionsForceClosed.WithLabelValues(listener).Inc()
}
