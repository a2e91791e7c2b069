package handler

import (
	"errors"
	"net"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
)

// run drives the chain until the handler parks or closes. It is only ever
// entered by the goroutine that moved the handler to Active.
func (h *Handler) run(s step) {
	for {
		if h.State() != StateActive {
			h.finalize()
			return
		}
		if h.takeCaptorLost() {
			s = step{action: actionCaptureReleased, unrequested: true}
		}

		h.registry.metrics.RecordAction(s.action.String())
		next, more := h.execute(s)
		if !more {
			return
		}
		s = next
	}
}

// execute performs one action and returns the step that follows. It
// returns false once the handler is parked.
func (h *Handler) execute(s step) (step, bool) {
	switch s.action {
	case ActionNone, ActionSetIdle, ActionPoll, ActionWaitForSignal:
		return h.park(s)

	case ActionInitialize:
		return h.dispatch(&Event{Kind: EventInitialize}), true

	case ActionConnect:
		return h.connect(), true

	case ActionReceive:
		return h.receive(s), true

	case ActionSend:
		return h.send(), true

	case ActionDisconnect:
		var err error
		if t := h.socket().transport; t != nil {
			err = t.CloseWrite()
		} else {
			err = ErrNoSocket
		}
		return h.dispatch(&Event{Kind: EventDisconnect, Err: err}), true

	case ActionDispose:
		h.Close()
		return step{}, true

	case ActionReset:
		sock := h.socket()
		h.mu.Lock()
		sock.rx.Reset()
		sock.tx.Reset()
		h.rotateSession()
		h.mu.Unlock()
		return h.dispatch(&Event{Kind: EventReset}), true

	case ActionAsync:
		var err error
		if s.async != nil {
			err = h.call(func() error { return s.async(h.ctx) })
		}
		return step{action: actionAsyncDone, err: err}, true

	case ActionReleaseCapture:
		return h.releaseCapture(), true

	case ActionStopTransportSecurity:
		err := ErrNoSocket
		if t := h.socket().transport; t != nil {
			err = t.stopTLS()
		}
		return h.dispatch(&Event{Kind: EventStopTransportSecurity, Err: err}), true

	case actionPollElapsed:
		return h.dispatch(&Event{Kind: EventPoll}), true

	case actionSignaled:
		return h.dispatch(&Event{Kind: EventSignal, Signal: s.signal, Err: s.err}), true

	case actionMessage:
		h.mu.Lock()
		if len(h.mailbox) == 0 {
			h.mu.Unlock()
			return h.park(step{})
		}
		msg := h.mailbox[0]
		h.mailbox[0] = nil
		h.mailbox = h.mailbox[1:]
		h.mu.Unlock()
		return h.dispatch(&Event{Kind: EventMessage, Message: msg}), true

	case actionCaptureStart:
		h.registry.metrics.RecordCaptureStarted()
		return h.dispatch(&Event{Kind: EventInitialize}), true

	case actionCaptureReleased:
		return h.dispatch(&Event{Kind: EventCaptureReleased, Unrequested: s.unrequested}), true

	case actionControlReturned:
		return h.dispatch(&Event{Kind: EventControlReturned}), true

	case actionAsyncDone:
		return h.dispatch(&Event{Kind: EventAsync, Err: s.err}), true

	case actionAccess:
		h.runAccesses()
		if s.resume != nil {
			return *s.resume, true
		}
		return h.park(step{})
	}

	logger.Warn("handler %d (%s): unknown action %v", h.id, h.name, s.action)
	return step{action: ActionDispose}, true
}

func (h *Handler) connect() step {
	if h.dialAddress == "" {
		return h.dispatch(&Event{Kind: EventConnect, Err: ErrNoSocket})
	}

	var d net.Dialer
	conn, err := d.DialContext(h.ctx, h.dialNetwork, h.dialAddress)
	if err == nil {
		h.registry.controlMu.Lock()
		h.sock.transport = NewTransport(conn)
		h.registry.controlMu.Unlock()
		logger.Debug("handler %d (%s): connected to %s", h.id, h.name, h.dialAddress)
	}
	return h.dispatch(&Event{Kind: EventConnect, Err: err})
}

func (h *Handler) receive(s step) step {
	sock := h.socket()
	if sock.transport == nil {
		logger.Warn("handler %d (%s): receive without a socket", h.id, h.name)
		return step{action: ActionDispose}
	}

	n, err := sock.transport.Receive(sock.rx, s.count)
	if errors.Is(err, errInterrupted) {
		return h.interrupted(s)
	}
	if n == 0 {
		if err != nil {
			logger.Debug("handler %d (%s): receive: %v", h.id, h.name, err)
		}
		return step{action: ActionDispose}
	}

	h.registry.metrics.RecordBytes("rx", n)
	return h.dispatch(&Event{Kind: EventReceive, Count: n})
}

func (h *Handler) send() step {
	sock := h.socket()
	if sock.transport == nil {
		logger.Warn("handler %d (%s): send without a socket", h.id, h.name)
		return step{action: ActionDispose}
	}

	n, err := sock.transport.Send(sock.tx)
	if n > 0 {
		h.registry.metrics.RecordBytes("tx", n)
	}
	if err != nil {
		logger.Debug("handler %d (%s): send: %v", h.id, h.name, err)
		return step{action: ActionDispose}
	}
	return h.dispatch(&Event{Kind: EventSend, Count: n})
}

// interrupted picks what replaces an interrupted receive: a lost captor, a
// SafeAccess callback, or a queued capture. Otherwise the receive is
// retried.
func (h *Handler) interrupted(s step) step {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.captorLost {
		h.captorLost = false
		return step{action: actionCaptureReleased, unrequested: true}
	}
	if len(h.accesses) > 0 {
		resume := s
		return step{action: actionAccess, resume: &resume}
	}
	if next, ok := h.popCaptureLocked(); ok {
		return next
	}
	return s
}

func (h *Handler) runAccesses() {
	h.mu.Lock()
	accesses := h.accesses
	h.accesses = nil
	h.mu.Unlock()

	sock := h.socket()
	for _, req := range accesses {
		if req.session != h.Session() {
			req.done <- false
			continue
		}
		err := h.call(func() error {
			req.fn(sock.rx, sock.tx)
			return nil
		})
		req.done <- err == nil
	}
}

func (h *Handler) takeCaptorLost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	lost := h.captorLost
	h.captorLost = false
	return lost
}

// dispatch hands ev to the protocol in charge of the socket: the captor
// while captured, the handler's own protocol otherwise. Failures close the
// failing side.
func (h *Handler) dispatch(ev *Event) step {
	h.touch()

	h.mu.Lock()
	if h.captorLost {
		h.captorLost = false
		ev = &Event{Kind: EventCaptureReleased, Unrequested: true}
	}
	captorID := h.capturedBy
	h.mu.Unlock()

	sock := h.socket()
	ev.Target = h
	ev.Rx, ev.Tx = sock.rx, sock.tx

	if captorID != 0 && ev.Kind != EventCaptureReleased {
		return h.dispatchCaptured(captorID, ev)
	}

	ev.Handler = h
	err := h.call(func() error { return h.protocol.HandleEvent(h.ctx, ev) })
	if err != nil {
		logger.Warn("handler %d (%s): %v event failed: %v", h.id, h.name, ev.Kind, err)
		h.reportException(err)
		return step{action: ActionDispose}
	}
	return ev.step()
}

func (h *Handler) dispatchCaptured(captorID ID, ev *Event) step {
	captor := h.registry.Lookup(captorID)
	if captor == nil || captor.State() >= StateClosing {
		h.clearCapture(captorID)
		return step{action: actionCaptureReleased, unrequested: true}
	}

	cp := captor.protocol.(CapturingProtocol)
	ev.Handler = captor
	err := h.call(func() error { return cp.HandleCapturedEvent(captor.ctx, ev) })
	if err != nil {
		logger.Warn("handler %d (%s): captured %v event failed in handler %d: %v",
			h.id, h.name, ev.Kind, captor.id, err)
		h.clearCapture(captorID)
		captor.reportException(err)
		captor.Close()
		return step{action: actionCaptureReleased, unrequested: true}
	}
	return ev.step()
}

// call runs fn, converting a panic into a *PanicError.
func (h *Handler) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.registry.metrics.RecordPanic()
			logger.Error("handler %d (%s): panic: %v", h.id, h.name, r)
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

func (h *Handler) reportException(err error) {
	eh, ok := h.protocol.(ExceptionHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler %d (%s): exception handler panic: %v", h.id, h.name, r)
		}
	}()
	eh.HandleException(h, err)
}

// park waits for the next wakeup, unless work is already queued. It returns
// false once the handler went Idle.
func (h *Handler) park(s step) (step, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != StateActive {
		return step{}, true
	}
	if h.captorLost {
		h.captorLost = false
		return step{action: actionCaptureReleased, unrequested: true}, true
	}
	if len(h.accesses) > 0 {
		resume := s
		return step{action: actionAccess, resume: &resume}, true
	}
	if next, ok := h.popCaptureLocked(); ok {
		return next, true
	}
	if len(h.pending) > 0 {
		next := h.pending[0]
		h.pending = h.pending[1:]
		return next, true
	}
	if h.capturedBy == 0 && len(h.mailbox) > 0 {
		return step{action: actionMessage}, true
	}

	switch s.action {
	case ActionPoll:
		h.armTimerLocked()

	case ActionWaitForSignal:
		if next, ok := h.waitLocked(s.wait); ok {
			return next, true
		}
	}

	if !h.state.CompareAndSwap(int32(StateActive), int32(StateIdle)) {
		h.cancelParkLocked()
		return step{}, true
	}
	return step{}, false
}

// waitLocked registers a signal wait. It returns a step when the handler
// must not wait: the signal was already raised, or its supplier is gone.
func (h *Handler) waitLocked(w *signalWait) (step, bool) {
	if w == nil {
		return step{}, false
	}
	gone := w.supplier == nil
	if !gone {
		switch h.registry.signals.wait(w.supplier, w.name, w.seq, h.id) {
		case waitRaised:
			return step{action: actionSignaled, signal: w.name}, true
		case waitSupplierClosed:
			gone = true
		}
	}
	if gone {
		if w.pollFallback {
			h.armTimerLocked()
			return step{}, false
		}
		return step{action: actionSignaled, signal: w.name, err: ErrSupplierClosed}, true
	}

	h.parkedWait = w
	h.polling.Store(int32(PollingWaitingOnSignal))
	return step{}, false
}

func (h *Handler) armTimerLocked() {
	token := h.parkToken
	h.timer = time.AfterFunc(h.PollInterval(), func() { h.pollElapsed(token) })
	h.polling.Store(int32(PollingTimerArmed))
}

// cancelParkLocked disarms whatever an idle handler was waiting for.
func (h *Handler) cancelParkLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.parkedWait != nil {
		h.registry.signals.unwait(h.parkedWait.key(), h.id)
		h.parkedWait = nil
	}
	h.polling.Store(int32(PollingDisabled))
	h.parkToken++
}

func (h *Handler) pollElapsed(token uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parkToken != token || h.State() != StateIdle {
		return
	}
	h.timer = nil
	h.wakeLocked(step{action: actionPollElapsed})
}

// signalWake wakes h if it is parked on key.
func (h *Handler) signalWake(key signalKey, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.State() != StateIdle || h.parkedWait == nil || h.parkedWait.key() != key {
		return false
	}
	h.parkedWait = nil
	return h.wakeLocked(step{action: actionSignaled, signal: key.name, err: err})
}

func (h *Handler) wake(s step) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wakeLocked(s)
}

// wakeLocked starts a chain on an idle handler, or queues s for an active
// one.
func (h *Handler) wakeLocked(s step) bool {
	switch h.State() {
	case StateIdle:
		if !h.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
			return false
		}
		h.cancelParkLocked()
		go h.run(s)
		return true
	case StateActive:
		h.pending = append(h.pending, s)
		return true
	default:
		return false
	}
}
