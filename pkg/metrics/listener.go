package metrics

// ListenerMetrics provides observability for listener accept loops.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewListenerMetrics()
//	l := server.NewListener(cfg, registry, factory, m)
//
//	// Without metrics (no-op)
//	l := server.NewListener(cfg, registry, factory, nil)
type ListenerMetrics interface {
	// SetActiveConnections updates the current connection count.
	//
	// Parameters:
	//   - listener: listener name
	//   - count: current number of active connections
	SetActiveConnections(listener string, count int32)

	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted(listener string)

	// RecordConnectionRejected counts connections refused because the
	// listener was at its connection limit or shutting down.
	RecordConnectionRejected(listener string)

	// RecordConnectionClosed increments the total closed connections counter.
	RecordConnectionClosed(listener string)

	// RecordConnectionForceClosed counts connections closed when the
	// shutdown timeout expired.
	RecordConnectionForceClosed(listener string)
}

// NewNoopListenerMetrics returns a ListenerMetrics that discards everything.
func NewNoopListenerMetrics() ListenerMetrics {
	return noopListenerMetrics{}
}

type noopListenerMetrics struct{}

func (noopListenerMetrics) SetActiveConnections(listener string, count int32) {}
func (noopListenerMetrics) RecordConnectionAccepted(listener string)          {}
func (noopListenerMetrics) RecordConnectionRejected(listener string)          {}
func (noopListenerMetrics) RecordConnectionClosed(listener string)            {}
func (noopListenerMetrics) RecordConnectionForceClosed(listener string)       {}
