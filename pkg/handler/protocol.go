package handler

import "context"

// Protocol drives a handler. HandleEvent is called from the handler's chain
// and must set ev.Next before returning. A returned error or a panic is
// reported to ExceptionHandler (when implemented) and closes the handler.
//
// HandleEvent and HandleCapturedEvent of the same protocol may run
// concurrently: the capturing side's chain and the captured socket's chain
// are independent.
type Protocol interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

// CapturingProtocol is implemented by protocols that capture other
// handlers' sockets. Captured events carry the target's buffers; EventReset
// asks for the capturing handler's own next action once the capture ends.
type CapturingProtocol interface {
	Protocol
	HandleCapturedEvent(ctx context.Context, ev *Event) error
}

// ExceptionHandler is notified before a handler is closed because its
// protocol failed.
type ExceptionHandler interface {
	HandleException(h *Handler, err error)
}

// Disposer is called exactly once when the handler reaches StateClosed.
type Disposer interface {
	Dispose(h *Handler)
}

// ProtocolFunc adapts a function to Protocol.
type ProtocolFunc func(ctx context.Context, ev *Event) error

func (f ProtocolFunc) HandleEvent(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}
