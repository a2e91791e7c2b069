package handler

import (
	"context"

	"github.com/marmos91/dittosock/pkg/dynbuf"
)

// Event is passed to a protocol for every step of a handler's chain. The
// protocol inspects it, mutates Rx and Tx, and sets Next (plus Count for
// receives) before returning.
//
// For captured events (CapturingProtocol.HandleCapturedEvent) Handler is the
// capturing handler, while Target, Rx and Tx belong to the captured socket.
type Event struct {
	Kind EventKind

	// Handler is the handler whose protocol is being called.
	Handler *Handler

	// Target owns the socket and the buffers.
	Target *Handler

	Rx *dynbuf.Buffer
	Tx *dynbuf.Buffer

	// Count is the number of bytes moved by a Receive or Send event. When
	// Next is ActionReceive it is the maximum to read; zero reads whatever
	// fits in the current tail fragment plus any further bytes the socket
	// already holds.
	Count int

	// Next is the action the handler performs after the protocol returns.
	Next Action

	// Message carries the payload of EventMessage.
	Message any

	// Signal names the signal that woke the handler.
	Signal string

	// Unrequested marks capture resets and releases forced by the other
	// side closing.
	Unrequested bool

	// Err carries the failure of Connect, Disconnect, Async or
	// StopTransportSecurity, or ErrSupplierClosed for signal wakeups.
	Err error

	wait  *signalWait
	async func(ctx context.Context) error
}

// WaitForSignal parks the handler until supplier raises name. A signal
// raised after this call but before the handler is parked is not lost; any
// raise by supplier in that window wakes the handler, so protocols re-check
// their condition on EventSignal. If
// supplier is nil or closed, the handler polls when pollFallback is set and
// is otherwise woken at once with ErrSupplierClosed.
func (e *Event) WaitForSignal(supplier *Handler, name string, pollFallback bool) {
	e.Next = ActionWaitForSignal
	w := &signalWait{name: name, pollFallback: pollFallback}
	if supplier != nil {
		w.supplier = supplier
		w.seq = e.Handler.registry.signals.now()
	}
	e.wait = w
}

// Go runs fn after the protocol returns. The handler stays Active while fn
// runs and then receives EventAsync with fn's error. fn's context is
// cancelled when the handler closes.
func (e *Event) Go(fn func(ctx context.Context) error) {
	e.Next = ActionAsync
	e.async = fn
}

// Receive asks for up to limit bytes (zero for whatever is available).
func (e *Event) Receive(limit int) {
	e.Next = ActionReceive
	e.Count = limit
}

// step is the loop's unit of work.
type step struct {
	action      Action
	count       int
	signal      string
	unrequested bool
	err         error
	wait        *signalWait
	async       func(ctx context.Context) error

	// resume is the step an access interrupted.
	resume *step
}

func (e *Event) step() step {
	s := step{action: e.Next, wait: e.wait, async: e.async}
	if e.Next == ActionReceive {
		s.count = e.Count
	}
	return s
}
