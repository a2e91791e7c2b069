package handler

import "github.com/marmos91/dittosock/internal/logger"

// TakeOverControlOfSocket makes h the owner of parent's socket. The
// transport (with its TLS state) and both buffers are swapped between the
// two handlers atomically; parent keeps h's former, usually empty, socket
// until control is returned. The caller starts h's chain afterwards.
func (h *Handler) TakeOverControlOfSocket(parent *Handler) error {
	if parent == h || parent.registry != h.registry {
		return ErrAlreadyControlled
	}

	r := h.registry
	r.controlMu.Lock()
	defer r.controlMu.Unlock()

	if h.State() >= StateClosing || parent.State() >= StateClosing {
		return ErrHandlerClosed
	}
	if parent.child != 0 || h.parent != 0 {
		return ErrAlreadyControlled
	}
	if parent.sock.transport == nil {
		return ErrNoSocket
	}

	h.sock, parent.sock = parent.sock, h.sock
	h.parent = parent.id
	parent.child = h.id
	h.touch()

	logger.Debug("handler %d (%s): took over socket of handler %d (%s)", h.id, h.name, parent.id, parent.name)
	return nil
}

// ReturnControlOfSocket undoes TakeOverControlOfSocket and wakes the parent
// with EventControlReturned.
func (h *Handler) ReturnControlOfSocket() error {
	r := h.registry
	r.controlMu.Lock()
	parent := r.Lookup(h.parent)
	if parent == nil {
		r.controlMu.Unlock()
		return ErrNoParent
	}
	h.sock, parent.sock = parent.sock, h.sock
	h.parent = 0
	parent.child = 0
	r.controlMu.Unlock()

	logger.Debug("handler %d (%s): returned socket to handler %d (%s)", h.id, h.name, parent.id, parent.name)
	parent.wake(step{action: actionControlReturned})
	return nil
}

// Parent returns the handler whose socket h controls, or nil.
func (h *Handler) Parent() *Handler {
	h.registry.controlMu.Lock()
	id := h.parent
	h.registry.controlMu.Unlock()
	return h.registry.Lookup(id)
}

// Child returns the handler controlling h's socket, or nil.
func (h *Handler) Child() *Handler {
	h.registry.controlMu.Lock()
	id := h.child
	h.registry.controlMu.Unlock()
	return h.registry.Lookup(id)
}

// ControllingHandler follows the child chain to the handler currently
// owning the socket.
func (h *Handler) ControllingHandler() *Handler {
	r := h.registry
	r.controlMu.Lock()
	defer r.controlMu.Unlock()

	current := h
	for current.child != 0 {
		next := r.Lookup(current.child)
		if next == nil {
			break
		}
		current = next
	}
	return current
}

// unlink clears h's parent and child relations and returns the handlers it
// was linked to.
func (h *Handler) unlink() (parent, child *Handler) {
	r := h.registry
	r.controlMu.Lock()
	defer r.controlMu.Unlock()

	if h.parent != 0 {
		if parent = r.Lookup(h.parent); parent != nil && parent.child == h.id {
			parent.child = 0
		}
		h.parent = 0
	}
	if h.child != 0 {
		if child = r.Lookup(h.child); child != nil && child.parent == h.id {
			child.parent = 0
		}
		h.child = 0
	}
	return parent, child
}
