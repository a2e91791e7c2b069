package handler

import (
	"slices"

	"github.com/marmos91/dittosock/internal/logger"
)

// EnqueueCapture queues captor to capture h's socket. If h is idle and not
// captured the capture starts at once; if h is active it starts the next
// time h would wait (a pending receive is interrupted for it). Queuing a
// captor that is already queued or capturing h is a no-op.
func (h *Handler) EnqueueCapture(captor *Handler) error {
	if captor == h {
		return ErrSelfCapture
	}
	if _, ok := captor.protocol.(CapturingProtocol); !ok {
		return ErrNotCapturing
	}
	if captor.State() >= StateClosing {
		return ErrHandlerClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() >= StateClosing {
		return ErrHandlerClosed
	}
	if h.capturedBy == captor.id || slices.Contains(h.captureQueue, captor.id) {
		return nil
	}
	if len(h.captureQueue) >= h.registry.config.MaxCaptureQueue {
		return ErrCaptureQueueFull
	}
	if !captor.captureTarget.CompareAndSwap(0, uint64(h.id)) {
		return ErrCaptureInProgress
	}
	h.captureQueue = append(h.captureQueue, captor.id)
	logger.Debug("handler %d (%s): capture requested by handler %d (queue=%d)",
		h.id, h.name, captor.id, len(h.captureQueue))

	switch h.State() {
	case StateIdle:
		if next, ok := h.popCaptureLocked(); ok {
			h.wakeLocked(next)
		}
	case StateActive:
		if t := h.socket().transport; t != nil {
			t.Interrupt()
		}
	}
	return nil
}

// Captured reports whether another handler currently drives h's socket.
func (h *Handler) Captured() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capturedBy != 0
}

// CapturedBy returns the handler capturing h's socket, or nil.
func (h *Handler) CapturedBy() *Handler {
	h.mu.Lock()
	id := h.capturedBy
	h.mu.Unlock()
	return h.registry.Lookup(id)
}

// CaptureQueueLen returns the number of captors waiting for h's socket.
func (h *Handler) CaptureQueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.captureQueue)
}

// popCaptureLocked starts the first queued capture if h is free.
func (h *Handler) popCaptureLocked() (step, bool) {
	if h.capturedBy != 0 || len(h.captureQueue) == 0 {
		return step{}, false
	}
	h.capturedBy = h.captureQueue[0]
	h.captureQueue = h.captureQueue[1:]
	return step{action: actionCaptureStart}, true
}

// clearCapture drops captorID as h's captor after it failed or vanished.
func (h *Handler) clearCapture(captorID ID) {
	h.mu.Lock()
	if h.capturedBy == captorID {
		h.capturedBy = 0
	}
	h.mu.Unlock()

	if captor := h.registry.Lookup(captorID); captor != nil {
		captor.captureTarget.CompareAndSwap(uint64(h.id), 0)
	}
	h.registry.metrics.RecordCaptureReleased(true)
}

// releaseCapture ends the active capture on the captor's request. The
// captor's own chain resumes with the action it picks on EventReset; h
// continues with EventCaptureReleased.
func (h *Handler) releaseCapture() step {
	h.mu.Lock()
	captorID := h.capturedBy
	h.capturedBy = 0
	h.mu.Unlock()

	if captorID == 0 {
		logger.Warn("handler %d (%s): release requested without a capture", h.id, h.name)
		return step{action: actionCaptureReleased}
	}

	captor := h.registry.Lookup(captorID)
	if captor != nil && captor.captureTarget.CompareAndSwap(uint64(h.id), 0) {
		h.resetCaptor(captor, false)
	}
	h.registry.metrics.RecordCaptureReleased(false)
	logger.Debug("handler %d (%s): capture by handler %d released", h.id, h.name, captorID)
	return step{action: actionCaptureReleased}
}

// resetCaptor delivers EventReset to a captor whose capture of h ended (or
// never started) and resumes the captor's own chain.
func (h *Handler) resetCaptor(captor *Handler, unrequested bool) {
	cp := captor.protocol.(CapturingProtocol)
	sock := h.socket()
	ev := &Event{
		Kind:        EventReset,
		Handler:     captor,
		Target:      h,
		Rx:          sock.rx,
		Tx:          sock.tx,
		Unrequested: unrequested,
	}

	err := captor.call(func() error { return cp.HandleCapturedEvent(captor.ctx, ev) })
	if err != nil {
		logger.Warn("handler %d (%s): capture reset failed: %v", captor.id, captor.name, err)
		captor.reportException(err)
		captor.Close()
		return
	}
	captor.wake(ev.step())
}

// releaseAllCaptures unwinds the active capture and every queued request
// of a closing handler. Captors whose own stage timed out are closed; the
// others get an unrequested EventReset.
func (h *Handler) releaseAllCaptures() {
	h.mu.Lock()
	ids := h.captureQueue
	h.captureQueue = nil
	if h.capturedBy != 0 {
		ids = append([]ID{h.capturedBy}, ids...)
		h.capturedBy = 0
	}
	h.captorLost = false
	h.mu.Unlock()

	for _, id := range ids {
		captor := h.registry.Lookup(id)
		if captor == nil || !captor.captureTarget.CompareAndSwap(uint64(h.id), 0) {
			continue
		}
		h.registry.metrics.RecordCaptureReleased(true)
		if captor.IsTimedOut() {
			captor.Close()
			continue
		}
		h.resetCaptor(captor, true)
	}
}

// detachCaptor forgets a captor that is closing. A queued request is
// dropped; an active capture ends and h resumes with an unrequested
// EventCaptureReleased.
func (h *Handler) detachCaptor(captorID ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i := slices.Index(h.captureQueue, captorID); i >= 0 {
		h.captureQueue = slices.Delete(h.captureQueue, i, i+1)
		return
	}
	if h.capturedBy != captorID {
		return
	}
	h.capturedBy = 0
	h.registry.metrics.RecordCaptureReleased(true)

	switch h.State() {
	case StateActive:
		h.captorLost = true
		if t := h.socket().transport; t != nil {
			t.Interrupt()
		}
	case StateIdle:
		h.wakeLocked(step{action: actionCaptureReleased, unrequested: true})
	}
}
