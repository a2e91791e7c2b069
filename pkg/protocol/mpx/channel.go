package mpx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/dynbuf"
	"github.com/marmos91/dittosock/pkg/handler"
)

// ChannelHandler is the application side of a channel. All calls for one
// channel come from its own handler chain, one at a time.
type ChannelHandler interface {
	// HandleOpen is called once the channel exists. Data added to out is
	// sent to the peer.
	HandleOpen(ch *Channel, out *dynbuf.Buffer)

	// HandleData is called when data arrived. Bytes left in in count
	// against the flow-control window until a later call removes them.
	HandleData(ch *Channel, in, out *dynbuf.Buffer) error

	// HandleClose is called once when the channel closed, from either side.
	HandleClose(ch *Channel)
}

// channel handler messages
type (
	inbound      []byte
	outbound     []byte
	flushRequest struct{}
	wakeRequest  struct{}
	closeRequest struct{}
	peerClosed   struct{}
)

// Channel is one logical stream of a session.
type Channel struct {
	session *Session
	id      uint32
	name    string
	app     ChannelHandler
	handler *handler.Handler

	// paused is set by the peer's YIELD.
	paused atomic.Bool

	// yieldSent is set while the peer is asked to hold back.
	yieldSent  atomic.Bool
	unconsumed atomic.Int64

	// mu guards the fields below, shared between the channel's own chain
	// and the capture running on the session's chain.
	mu        sync.Mutex
	capturing bool
	controls  []controlPacket
	backlog   [][]byte
	closing   bool
	closeSent bool

	// own chain only
	deferred bool
}

// ID returns the channel id on the wire.
func (ch *Channel) ID() uint32 {
	return ch.id
}

// Name returns the name the channel was opened with.
func (ch *Channel) Name() string {
	return ch.name
}

// Session returns the session carrying the channel.
func (ch *Channel) Session() *Session {
	return ch.session
}

// Handler returns the channel's handler.
func (ch *Channel) Handler() *handler.Handler {
	return ch.handler
}

// Unconsumed returns the bytes received but not yet consumed.
func (ch *Channel) Unconsumed() int64 {
	return ch.unconsumed.Load()
}

// Paused reports whether the peer asked this side to yield.
func (ch *Channel) Paused() bool {
	return ch.paused.Load()
}

// Send queues p for the peer. p is copied.
func (ch *Channel) Send(p []byte) error {
	if err := ch.handler.PostMessage(outbound(append([]byte(nil), p...))); err != nil {
		return ErrChannelClosed
	}
	return nil
}

// Wake calls HandleData again with the data already buffered. Applications
// that left input unconsumed call it once they can make progress.
func (ch *Channel) Wake() error {
	if err := ch.handler.PostMessage(wakeRequest{}); err != nil {
		return ErrChannelClosed
	}
	return nil
}

// Close sends what is still queued, tells the peer, and closes the channel.
func (ch *Channel) Close() error {
	if err := ch.handler.PostMessage(closeRequest{}); err != nil {
		return ErrChannelClosed
	}
	return nil
}

// deliver hands a data frame to the channel from the session's chain. It
// reports whether the peer must now be asked to yield.
func (ch *Channel) deliver(p []byte) bool {
	left := ch.unconsumed.Add(int64(len(p)))
	if err := ch.handler.PostMessage(inbound(p)); err != nil {
		ch.unconsumed.Add(-int64(len(p)))
		return false
	}
	return left > int64(ch.session.config.HighWatermark) && ch.yieldSent.CompareAndSwap(false, true)
}

func (ch *Channel) HandleEvent(ctx context.Context, ev *handler.Event) error {
	switch ev.Kind {
	case handler.EventInitialize:
		ch.app.HandleOpen(ch, ev.Tx)
		ch.flush(ev)

	case handler.EventMessage:
		return ch.handleMessage(ev)

	case handler.EventSignal:
		if ev.Err != nil {
			ev.Next = handler.ActionDispose
			return nil
		}
		ch.flush(ev)

	case handler.EventPoll:
		ch.flush(ev)

	default:
		ev.Next = handler.ActionNone
	}
	return nil
}

func (ch *Channel) handleMessage(ev *handler.Event) error {
	ch.mu.Lock()
	capturing := ch.capturing
	ch.mu.Unlock()

	switch msg := ev.Message.(type) {
	case inbound:
		ev.Rx.Add(msg)
		if capturing {
			// the capture owns tx until it ends
			ch.deferred = true
			ev.Next = handler.ActionNone
			return nil
		}
		return ch.consume(ev)

	case outbound:
		if capturing {
			ch.mu.Lock()
			ch.backlog = append(ch.backlog, msg)
			ch.mu.Unlock()
			ev.Next = handler.ActionNone
			return nil
		}
		ev.Tx.Add(msg)
		ch.flush(ev)

	case flushRequest:
		ch.mu.Lock()
		for _, p := range ch.backlog {
			ev.Tx.Add(p)
		}
		ch.backlog = nil
		ch.mu.Unlock()

		if ch.deferred {
			ch.deferred = false
			return ch.consume(ev)
		}
		ch.flush(ev)

	case wakeRequest:
		if capturing {
			ch.deferred = true
			ev.Next = handler.ActionNone
			return nil
		}
		return ch.consume(ev)

	case closeRequest:
		ch.mu.Lock()
		ch.closing = true
		ch.mu.Unlock()
		ch.flush(ev)

	case peerClosed:
		ch.mu.Lock()
		ch.closing, ch.closeSent = true, true
		ch.mu.Unlock()
		ev.Next = handler.ActionDispose

	default:
		logger.Warn("mpx: channel %d: unexpected message %T", ch.id, msg)
		ev.Next = handler.ActionNone
	}
	return nil
}

// consume lets the application read rx and reopens the window once the
// backlog drained.
func (ch *Channel) consume(ev *handler.Event) error {
	before := ev.Rx.Len()
	err := ch.app.HandleData(ch, ev.Rx, ev.Tx)
	left := ch.unconsumed.Add(-int64(before - ev.Rx.Len()))

	if left <= int64(ch.session.config.LowWatermark) && ch.yieldSent.CompareAndSwap(true, false) {
		ch.mu.Lock()
		ch.controls = append(ch.controls, controlPacket{Op: uint32(opResume)})
		ch.mu.Unlock()
	}
	if err != nil {
		return err
	}
	ch.flush(ev)
	return nil
}

// flush captures the session socket if anything is waiting to be sent, and
// otherwise parks the channel.
func (ch *Channel) flush(ev *handler.Event) {
	s := ch.session
	if s.closed.Load() {
		ev.Next = handler.ActionDispose
		return
	}

	ch.mu.Lock()
	if ch.capturing {
		ch.mu.Unlock()
		ev.Next = handler.ActionNone
		return
	}
	// controls go out even while paused; CLOSE only once the data did
	urgent := len(ch.controls) > 0 || (ch.closing && !ch.closeSent && ev.Tx.Len() == 0)
	if !urgent && ev.Tx.Len() == 0 {
		closing := ch.closing
		ch.mu.Unlock()
		if closing {
			ev.Next = handler.ActionDispose
		} else {
			ev.Next = handler.ActionNone
		}
		return
	}
	ch.mu.Unlock()

	sh := s.handler.Load()
	if !s.ready.Load() {
		ev.WaitForSignal(sh, signalReady, false)
		if !s.ready.Load() {
			return
		}
	}
	if !urgent && ch.paused.Load() {
		ev.WaitForSignal(sh, resumeSignal(ch.id), true)
		if ch.paused.Load() {
			return
		}
	}

	ch.mu.Lock()
	ch.capturing = true
	ch.mu.Unlock()

	err := sh.EnqueueCapture(ch.handler)
	if err == nil {
		ev.Next = handler.ActionNone
		return
	}

	ch.mu.Lock()
	ch.capturing = false
	ch.mu.Unlock()
	if errors.Is(err, handler.ErrCaptureQueueFull) {
		ev.Next = handler.ActionPoll
		return
	}
	logger.Debug("mpx: channel %d: cannot capture session socket: %v", ch.id, err)
	ev.Next = handler.ActionDispose
}

// HandleCapturedEvent writes frames while the channel holds the session
// socket. Rx and Tx belong to the session here.
func (ch *Channel) HandleCapturedEvent(ctx context.Context, ev *handler.Event) error {
	switch ev.Kind {
	case handler.EventInitialize:
		if ch.writeFrames(ev.Tx) {
			ev.Next = handler.ActionSend
		} else {
			ev.Next = handler.ActionReleaseCapture
		}

	case handler.EventSend:
		// one batch per capture: the session reads between batches, which
		// is where a YIELD from the peer is noticed
		ev.Next = handler.ActionReleaseCapture

	case handler.EventReset:
		ch.mu.Lock()
		ch.capturing = false
		ch.mu.Unlock()

		if ev.Unrequested {
			ev.Next = handler.ActionDispose
			return nil
		}
		_ = ch.handler.PostMessage(flushRequest{})
		ev.Next = handler.ActionNone

	default:
		ev.Next = handler.ActionReleaseCapture
	}
	return nil
}

// writeFrames moves pending controls and up to BatchFrames data frames
// from the channel's tx into the session's. CLOSE goes out once all data
// did. It reports whether anything was written.
func (ch *Channel) writeFrames(tx *dynbuf.Buffer) bool {
	cfg := &ch.session.config
	own := ch.handler.Tx()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	wrote := false
	for _, pkt := range ch.controls {
		writeControl(tx, ch.id, pkt)
		wrote = true
	}
	ch.controls = nil

	for i := 0; i < cfg.BatchFrames && own.Len() > 0 && !ch.paused.Load(); i++ {
		n := min(own.Len(), cfg.MaxFrameSize)
		writeFrameHeader(tx, frameData, ch.id, n)
		own.MoveTo(tx, n, nil)
		wrote = true
	}

	if ch.closing && !ch.closeSent && own.Len() == 0 {
		writeControl(tx, ch.id, controlPacket{Op: uint32(opClose)})
		ch.closeSent = true
		wrote = true
	}
	return wrote
}

func (ch *Channel) HandleException(h *handler.Handler, err error) {
	logger.Warn("mpx: channel %d (%s) failed: %v", ch.id, ch.name, err)
}

// Dispose tells the application the channel is gone.
func (ch *Channel) Dispose(h *handler.Handler) {
	ch.session.removeChannel(ch)
	ch.app.HandleClose(ch)
	logger.Debug("mpx: channel %d (%s) closed", ch.id, ch.name)
}
