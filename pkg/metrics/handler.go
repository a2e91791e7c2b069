package metrics

import "time"

// HandlerMetrics provides observability for the socket handler state machine.
//
// Implementations are called from completion goroutines and must be safe for
// concurrent use. If no implementation is supplied to a handler registry, a
// no-op implementation is used.
type HandlerMetrics interface {
	// RecordHandlerOpened counts a handler entering the Active state for a
	// new socket.
	//
	// Parameters:
	//   - protocol: protocol name (e.g., "http", "mpx")
	RecordHandlerOpened(protocol string)

	// RecordHandlerClosed counts a handler finalized into the Closed state.
	//
	// Parameters:
	//   - protocol: protocol name
	//   - lifetime: time between open and close
	RecordHandlerClosed(protocol string, lifetime time.Duration)

	// RecordAction counts one dispatched action (e.g., "receive", "send").
	RecordAction(action string)

	// RecordCaptureStarted counts a capture that took over a socket.
	RecordCaptureStarted()

	// RecordCaptureReleased counts a finished capture. unrequested is true
	// when the release was forced by the captured handler closing.
	RecordCaptureReleased(unrequested bool)

	// RecordSignal counts a raised signal and the number of waiters woken.
	RecordSignal(woken int)

	// RecordTimeout counts a handler closed by the timeout reaper.
	RecordTimeout()

	// RecordBytes records bytes moved over a socket.
	//
	// Parameters:
	//   - direction: "rx" or "tx"
	//   - bytes: number of bytes transferred
	RecordBytes(direction string, bytes int)

	// RecordPanic counts a panic recovered at the dispatch boundary.
	RecordPanic()
}

// NewNoopHandlerMetrics returns a HandlerMetrics that discards everything.
func NewNoopHandlerMetrics() HandlerMetrics {
	return noopHandlerMetrics{}
}

type noopHandlerMetrics struct{}

func (noopHandlerMetrics) RecordHandlerOpened(protocol string)                         {}
func (noopHandlerMetrics) RecordHandlerClosed(protocol string, lifetime time.Duration) {}
func (noopHandlerMetrics) RecordAction(action string)                                  {}
func (noopHandlerMetrics) RecordCaptureStarted()                                       {}
func (noopHandlerMetrics) RecordCaptureReleased(unrequested bool)                      {}
func (noopHandlerMetrics) RecordSignal(woken int)                                      {}
func (noopHandlerMetrics) RecordTimeout()                                              {}
func (noopHandlerMetrics) RecordBytes(direction string, bytes int)                     {}
func (noopHandlerMetrics) RecordPanic()                                                {}
