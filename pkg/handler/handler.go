// Package handler implements the socket handler state machine.
//
// A Handler owns (or borrows) one socket and two dynamic buffers, and drives
// them through a chain of actions decided by a Protocol: every I/O
// completion, poll tick, signal or message is turned into an Event, the
// protocol sets Event.Next, and the handler performs that action. Nothing
// blocks a shared event loop: each Active handler runs its chain on its own
// goroutine and releases it when the protocol asks to wait.
//
// # Lifecycle
//
// Idle and Active alternate while the handler lives; Closing and Closed are
// terminal. Close may be called from any goroutine and cleanup runs exactly
// once, either inline (Idle handler) or by the chain that was running
// (Active handler).
//
// # Capture
//
// A handler whose protocol implements CapturingProtocol may queue on
// another handler's socket with EnqueueCapture. Once the target is idle the
// capture starts: the target's chain keeps doing the I/O, but its events are
// routed to the captor's HandleCapturedEvent with the target's buffers. The
// captor ends the capture by returning ActionReleaseCapture; its own chain
// then resumes with the action it chooses on EventReset, and the target
// resumes with EventCaptureReleased.
//
// # Parent and child
//
// TakeOverControlOfSocket permanently moves a socket (transport, TLS state
// and both buffers) from a parent handler to a child, modelling protocol
// upgrades. ReturnControlOfSocket swaps everything back.
//
// # Polling and signals
//
// A protocol with nothing to do can ask to be called again after the poll
// interval (ActionPoll), or when another handler raises a named signal
// (Event.WaitForSignal). The two are mutually exclusive.
package handler

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/dynbuf"
)

// socket is everything that moves between parent and child handlers.
type socket struct {
	transport *Transport
	rx        *dynbuf.Buffer
	tx        *dynbuf.Buffer
}

// accessRequest is a SafeAccess callback waiting for an Active handler.
type accessRequest struct {
	session uuid.UUID
	fn      func(rx, tx *dynbuf.Buffer)
	done    chan bool
}

// Handler is one socket's state machine. Create handlers through a
// Registry.
type Handler struct {
	id       ID
	registry *Registry
	protocol Protocol
	name     string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state   atomic.Int32
	polling atomic.Int32
	session atomic.Value

	openedAt     time.Time
	lastActivity atomic.Int64
	stageTimeout atomic.Int64
	autoReset    atomic.Bool
	pollInterval atomic.Int64

	dialNetwork string
	dialAddress string

	// mu guards the fields below and every Idle<->Active transition.
	mu           sync.Mutex
	pending      []step
	mailbox      []any
	accesses     []*accessRequest
	captureQueue []ID
	capturedBy   ID
	captorLost   bool
	timer        *time.Timer
	parkedWait   *signalWait
	parkToken    uint64

	// captureTarget is the socket this handler captures or queues on.
	captureTarget atomic.Uint64

	// signalsClosed is set before the handler's signals are dropped.
	signalsClosed atomic.Bool
	// lastSignal is the signal table clock at this handler's latest raise.
	lastSignal atomic.Uint64

	// guarded by registry.controlMu
	sock   socket
	parent ID
	child  ID
}

// ID returns the handler's registry id.
func (h *Handler) ID() ID {
	return h.id
}

// Name returns the protocol name given at registration.
func (h *Handler) Name() string {
	return h.name
}

// Registry returns the registry owning the handler.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// Protocol returns the protocol driving the handler.
func (h *Handler) Protocol() Protocol {
	return h.protocol
}

// State returns the lifecycle state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// PollingState returns what an idle handler is waiting for.
func (h *Handler) PollingState() PollingState {
	return PollingState(h.polling.Load())
}

// Session identifies the current incarnation of the handler. It changes on
// ActionReset and on close, so a stale snapshot no longer passes SafeAccess.
func (h *Handler) Session() uuid.UUID {
	return h.session.Load().(uuid.UUID)
}

func (h *Handler) rotateSession() {
	h.session.Store(uuid.New())
}

// Context is cancelled when the handler starts closing.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Done is closed once cleanup has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// SetPollInterval changes the delay used by ActionPoll.
func (h *Handler) SetPollInterval(d time.Duration) {
	if d > 0 {
		h.pollInterval.Store(int64(d))
	}
}

// PollInterval returns the delay used by ActionPoll.
func (h *Handler) PollInterval() time.Duration {
	return time.Duration(h.pollInterval.Load())
}

// SetStageTimeout sets the timeout of the current protocol stage and
// restarts its clock. With autoReset, any activity restarts the clock;
// otherwise the stage must complete within d. Zero or negative disables the
// timeout.
func (h *Handler) SetStageTimeout(d time.Duration, autoReset bool) {
	h.stageTimeout.Store(int64(d))
	h.autoReset.Store(autoReset)
	h.lastActivity.Store(time.Now().UnixNano())
}

// StageTimeout returns the current stage timeout.
func (h *Handler) StageTimeout() time.Duration {
	return time.Duration(h.stageTimeout.Load())
}

// IsTimedOut reports whether the current stage ran longer than its timeout.
func (h *Handler) IsTimedOut() bool {
	timeout := h.stageTimeout.Load()
	if timeout <= 0 {
		return false
	}
	return time.Now().UnixNano()-h.lastActivity.Load() > timeout
}

// touch records activity for auto-reset stages.
func (h *Handler) touch() {
	if h.autoReset.Load() {
		h.lastActivity.Store(time.Now().UnixNano())
	}
}

// socket returns a snapshot of the socket fields.
func (h *Handler) socket() socket {
	h.registry.controlMu.Lock()
	defer h.registry.controlMu.Unlock()
	return h.sock
}

// Rx returns the receive buffer. Only the handler's chain may use it.
func (h *Handler) Rx() *dynbuf.Buffer {
	return h.socket().rx
}

// Tx returns the transmit buffer. Only the handler's chain may use it.
func (h *Handler) Tx() *dynbuf.Buffer {
	return h.socket().tx
}

// Transport returns the socket, or nil if the handler has none.
func (h *Handler) Transport() *Transport {
	return h.socket().transport
}

// Interrupt makes a blocked receive return so queued captures, messages
// and SafeAccess callbacks get a chance to run.
func (h *Handler) Interrupt() {
	if t := h.socket().transport; t != nil {
		t.Interrupt()
	}
}

// Start begins (or continues) the handler's chain with action. Attached
// handlers start with ActionInitialize, client handlers with ActionConnect.
func (h *Handler) Start(action Action) bool {
	return h.wake(step{action: action})
}

// PostMessage queues msg for EventMessage. An idle handler is woken; an
// active one receives it the next time it would wait.
func (h *Handler) PostMessage(msg any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() >= StateClosing {
		return ErrHandlerClosed
	}
	h.mailbox = append(h.mailbox, msg)
	if h.State() == StateIdle && h.capturedBy == 0 {
		h.wakeLocked(step{action: actionMessage})
	}
	return nil
}

// Signal raises name for every handler waiting on it from h and returns how
// many were woken. Each waiter is woken at most once per registration.
func (h *Handler) Signal(name string) int {
	key := signalKey{supplier: h.id, name: name}
	woken := 0
	for _, id := range h.registry.signals.raise(h, name) {
		if w := h.registry.Lookup(id); w != nil && w.signalWake(key, nil) {
			woken++
		}
	}
	h.registry.metrics.RecordSignal(woken)
	return woken
}

// SafeAccess runs fn with the handler's buffers if the handler is still in
// the incarnation identified by session. An idle handler is kept idle while
// fn runs; an active handler runs fn on its own chain, interrupting a
// pending receive, and SafeAccess waits for it. It reports whether fn ran.
//
// fn must not call back into h, and SafeAccess must not be called from h's
// own protocol.
func (h *Handler) SafeAccess(session uuid.UUID, fn func(rx, tx *dynbuf.Buffer)) bool {
	h.mu.Lock()
	if h.State() >= StateClosing || h.Session() != session {
		h.mu.Unlock()
		return false
	}
	if h.State() == StateIdle {
		defer h.mu.Unlock()
		sock := h.socket()
		fn(sock.rx, sock.tx)
		return true
	}

	req := &accessRequest{session: session, fn: fn, done: make(chan bool, 1)}
	h.accesses = append(h.accesses, req)
	transport := h.socket().transport
	h.mu.Unlock()

	if transport != nil {
		transport.Interrupt()
	}
	return <-req.done
}

// Close starts closing the handler. An idle handler is cleaned up before
// Close returns; an active one is cleaned up by its running chain (wait on
// Done). Calling Close more than once is harmless.
func (h *Handler) Close() {
	for {
		switch h.State() {
		case StateActive:
			if h.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
				h.cancel()
				if t := h.socket().transport; t != nil {
					_ = t.Close()
				}
				return
			}
		case StateIdle:
			if h.state.CompareAndSwap(int32(StateIdle), int32(StateClosing)) {
				h.finalize()
				return
			}
		default:
			return
		}
	}
}

// finalize tears the handler down. Only the goroutine that moves it from
// Closing to Closed does the work.
func (h *Handler) finalize() {
	if !h.state.CompareAndSwap(int32(StateClosing), int32(StateClosed)) {
		return
	}
	h.cancel()

	h.mu.Lock()
	h.cancelParkLocked()
	h.pending = nil
	h.mailbox = nil
	accesses := h.accesses
	h.accesses = nil
	h.mu.Unlock()

	for _, req := range accesses {
		req.done <- false
	}

	h.signalsClosed.Store(true)
	for name, waiters := range h.registry.signals.dropSupplier(h.id) {
		key := signalKey{supplier: h.id, name: name}
		for _, id := range waiters {
			if w := h.registry.Lookup(id); w != nil {
				w.signalWake(key, ErrSupplierClosed)
			}
		}
	}

	h.releaseAllCaptures()
	if target := h.registry.Lookup(ID(h.captureTarget.Swap(0))); target != nil {
		target.detachCaptor(h.id)
	}

	parent, child := h.unlink()

	sock := h.socket()
	if sock.transport != nil {
		_ = sock.transport.Close()
	}

	h.mu.Lock()
	sock.rx.Reset()
	sock.tx.Reset()
	h.rotateSession()
	h.mu.Unlock()

	if d, ok := h.protocol.(Disposer); ok {
		_ = h.call(func() error {
			d.Dispose(h)
			return nil
		})
	}

	lifetime := time.Since(h.openedAt)
	h.registry.metrics.RecordHandlerClosed(h.name, lifetime)
	h.registry.remove(h)
	close(h.done)
	logger.Debug("handler %d (%s): closed after %v", h.id, h.name, lifetime)

	if parent != nil {
		parent.Close()
	}
	if child != nil {
		child.Close()
	}
}

// StartTLSServer runs a server handshake on the handler's socket. Bytes
// already received are fed to the handshake.
func (h *Handler) StartTLSServer(ctx context.Context, cfg *tls.Config) error {
	return h.startTLS(ctx, true, cfg)
}

// StartTLSClient runs a client handshake on the handler's socket.
func (h *Handler) StartTLSClient(ctx context.Context, cfg *tls.Config) error {
	return h.startTLS(ctx, false, cfg)
}

// StartTLSServerFromStore runs a server handshake with the certificate the
// store holds (or creates) for host.
func (h *Handler) StartTLSServerFromStore(ctx context.Context, store certstore.Store, host string) error {
	cert, err := store.LoadOrCreate(ctx, host)
	if err != nil {
		return err
	}
	return h.StartTLSServer(ctx, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (h *Handler) startTLS(ctx context.Context, server bool, cfg *tls.Config) error {
	sock := h.socket()
	if sock.transport == nil {
		return ErrNoSocket
	}
	if err := sock.transport.startTLS(ctx, server, cfg, sock.rx); err != nil {
		return err
	}
	logger.Debug("handler %d (%s): transport security started", h.id, h.name)
	return nil
}

// TLSStarted reports whether the socket is running TLS.
func (h *Handler) TLSStarted() bool {
	t := h.socket().transport
	return t != nil && t.TLSStarted()
}

// LocalCertificateHash returns the SHA-256 of the local certificate in hex,
// or "" without TLS.
func (h *Handler) LocalCertificateHash() string {
	if t := h.socket().transport; t != nil {
		return t.LocalCertificateHash()
	}
	return ""
}

// RemoteCertificateHash returns the SHA-256 of the peer certificate in hex,
// or "" if the peer sent none.
func (h *Handler) RemoteCertificateHash() string {
	if t := h.socket().transport; t != nil {
		return t.RemoteCertificateHash()
	}
	return ""
}
