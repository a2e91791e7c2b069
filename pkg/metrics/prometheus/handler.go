package prometheus

import (
	"sync"
	"time"

	"github.com/marmos91/dittosock/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// handlerMetrics is the Prometheus implementation of metrics.HandlerMetrics.
type handlerMetrics struct {
	handlersOpened   *prometheus.CounterVec
	handlersClosed   *prometheus.CounterVec
	handlersActive   *prometheus.GaugeVec
	handlerLifetime  *prometheus.HistogramVec
	actionsTotal     *prometheus.CounterVec
	capturesStarted  prometheus.Counter
	capturesReleased *prometheus.CounterVec
	signalsRaised    prometheus.Counter
	signalWakeups    prometheus.Counter
	timeoutsReaped   prometheus.Counter
	bytesTotal       *prometheus.CounterVec
	panicsTotal      prometheus.Counter
}

// Collectors register once per process; later calls share the instance.
var (
	handlerOnce     sync.Once
	handlerInstance metrics.HandlerMetrics
)

// NewHandlerMetrics creates a Prometheus-backed HandlerMetrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewHandlerMetrics() metrics.HandlerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopHandlerMetrics()
	}

	handlerOnce.Do(func() {
		handlerInstance = newHandlerMetrics(metrics.GetRegistry())
	})
	return handlerInstance
}

func newHandlerMetrics(reg *prometheus.Registry) *handlerMetrics {
	return &handlerMetrics{
		handlersOpened: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_handlers_opened_total",
				Help: "Total number of socket handlers opened by protocol",
			},
			[]string{"protocol"},
		),
		handlersClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_handlers_closed_total",
				Help: "Total number of socket handlers closed by protocol",
			},
			[]string{"protocol"},
		),
		handlersActive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittosock_handlers_open",
				Help: "Current number of open socket handlers by protocol",
			},
			[]string{"protocol"},
		),
		handlerLifetime: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittosock_handler_lifetime_seconds",
				Help: "Lifetime of socket handlers from open to close",
				Buckets: []float64{
					0.01, // 10ms
					0.1,  // 100ms
					1,    // 1s
					10,   // 10s
					60,   // 1m
					600,  // 10m
					3600, // 1h
				},
			},
			[]string{"protocol"},
		),
		actionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_handler_actions_total",
				Help: "Total number of dispatched handler actions",
			},
			[]string{"action"},
		),
		capturesStarted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosock_captures_started_total",
				Help: "Total number of socket captures started",
			},
		),
		capturesReleased: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_captures_released_total",
				Help: "Total number of socket captures released",
			},
			[]string{"kind"}, // requested or unrequested
		),
		signalsRaised: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosock_signals_raised_total",
				Help: "Total number of signals raised by supplier handlers",
			},
		),
		signalWakeups: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosock_signal_wakeups_total",
				Help: "Total number of waiting handlers woken by signals",
			},
		),
		timeoutsReaped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosock_handler_timeouts_total",
				Help: "Total number of handlers closed after their stage timed out",
			},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosock_socket_bytes_total",
				Help: "Total bytes moved over handler sockets",
			},
			[]string{"direction"},
		),
		panicsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosock_handler_panics_total",
				Help: "Total number of panics recovered at the dispatch boundary",
			},
		),
	}
}

func (m *handlerMetrics) RecordHandlerOpened(protocol string) {
	m.handlersOpened.WithLabelValues(protocol).Inc()
	m.handlersActive.WithLabelValues(protocol).Inc()
}

func (m *handlerMetrics) RecordHandlerClosed(protocol string, lifetime time.Duration) {
	m.handlersClosed.WithLabelValues(protocol).Inc()
	m.handlersActive.WithLabelValues(protocol).Dec()
	m.handlerLifetime.WithLabelValues(protocol).Observe(lifetime.Seconds())
}

func (m *handlerMetrics) RecordAction(action string) {
	m.actionsTotal.WithLabelValues(action).Inc()
}

func (m *handlerMetrics) RecordCaptureStarted() {
	m.capturesStarted.Inc()
}

func (m *handlerMetrics) RecordCaptureReleased(unrequested bool) {
	kind := "requested"
	if unrequested {
		kind = "unrequested"
	}
	m.capturesReleased.WithLabelValues(kind).Inc()
}

func (m *handlerMetrics) RecordSignal(woken int) {
	m.signalsRaised.Inc()
	m.signalWakeups.Add(float64(woken))
}

func (m *handlerMetrics) RecordTimeout() {
	m.timeoutsReaped.Inc()
}

func (m *handlerMetrics) RecordBytes(direction string, bytes int) {
	m.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *handlerMetrics) RecordPanic() {
	m.panicsTotal.Inc()
}
