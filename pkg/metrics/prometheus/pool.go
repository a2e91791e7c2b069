package prometheus

import (
	"sync"

	"github.com/marmos91/dittosock/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type poolMetrics struct {
	taken       prometheus.Counter
	returned    prometheus.Counter
	outstanding prometheus.Gauge
	takenBytes  prometheus.Counter
}

// Collectors register once per process; later calls share the instance.
var (
	poolOnce     sync.Once
	poolInstance metrics.PoolMetrics
)

// NewPoolMetrics creates a Prometheus-backed PoolMetrics, or a no-op one when
// metrics are disabled.
func NewPoolMetrics() metrics.PoolMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopPoolMetrics()
	}

	poolOnce.Do(func() {
		poolInstance = newPoolMetrics(metrics.GetRegistry())
	})
	return poolInstance
}

func newPoolMetrics(reg *prometheus.Registry) *poolMetrics {
	return &poolMetrics{
		taken: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittosock_pool_fragments_taken_total",
			Help: "Total number of fragments handed out by the segment pool",
		}),
		returned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittosock_pool_fragments_returned_total",
			Help: "Total number of fragments returned to the segment pool",
		}),
		outstanding: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dittosock_pool_fragments_outstanding",
			Help: "Fragments currently held by dynamic buffers",
		}),
		takenBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittosock_pool_bytes_taken_total",
			Help: "Total bytes handed out by the segment pool",
		}),
	}
}

func (m *poolMetrics) RecordFragmentTaken(size int) {
	m.taken.Inc()
	m.outstanding.Inc()
	m.takenBytes.Add(float64(size))
}

func (m *poolMetrics) RecordFragmentReturned(size int) {
	m.returned.Inc()
	m.outstanding.Dec()
}
