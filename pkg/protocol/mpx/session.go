// Package mpx multiplexes named channels over one socket.
//
// A Session drives the socket handler: it exchanges the handshake magic,
// parses incoming frames and routes them to channels. Each Channel is a
// handler of its own without a socket; it writes by capturing the session
// socket, so frames of different channels never interleave.
//
// Flow control is per channel. When the bytes a channel received but has
// not consumed yet exceed HighWatermark, the receiving side sends YIELD and
// the sender stops writing data frames. RESUME follows once the backlog is
// back under LowWatermark; the paused sender waits for it on the session's
// "mpx.resume.<id>" signal.
package mpx

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/handler"
)

const signalReady = "mpx.ready"

func resumeSignal(id uint32) string {
	return fmt.Sprintf("mpx.resume.%d", id)
}

// Config configures a session.
type Config struct {
	// Magic is exchanged by both sides before any frame. Default: "MPX1"
	Magic string

	// HighWatermark is the unconsumed byte count of a channel above which
	// the peer is asked to yield. Default: 256KB
	HighWatermark int

	// LowWatermark is the unconsumed byte count at which a yielded peer is
	// resumed. Default: HighWatermark/4
	LowWatermark int

	// MaxFrameSize bounds frame payloads in both directions. Default: 64KB
	MaxFrameSize int

	// BatchFrames is how many data frames a channel writes per capture of
	// the session socket. Default: 16
	BatchFrames int

	// HandshakeTimeout bounds the magic exchange. Default: 10s
	HandshakeTimeout time.Duration

	// Client selects odd channel ids; servers use even ones.
	Client bool

	// Accept returns the handler for a channel opened by the peer, or nil
	// to refuse it.
	Accept func(name string) ChannelHandler

	// OnHandshakeFailed is called before the socket is dropped. Without it
	// the session disconnects silently.
	OnHandshakeFailed func(h *handler.Handler, err error)
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Magic == "" {
		c.Magic = "MPX1"
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 256 << 10
	}
	if c.LowWatermark <= 0 || c.LowWatermark > c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 4
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 64 << 10
	}
	if c.BatchFrames <= 0 {
		c.BatchFrames = 16
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Server creates a Session per accepted connection.
type Server struct {
	config Config
}

// NewServer returns a connection factory for server-side sessions.
func NewServer(config Config) *Server {
	config.Client = false
	config.ApplyDefaults()
	return &Server{config: config}
}

// NewProtocol returns the state for one connection.
func (s *Server) NewProtocol() handler.Protocol {
	return NewSession(s.config)
}

// Session is the protocol of the socket handler.
type Session struct {
	config Config
	magic  []byte

	handler atomic.Pointer[handler.Handler]
	ready   atomic.Bool
	closed  atomic.Bool

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
}

// NewSession creates an unbound session. Attach it to a socket with
// Registry.Attach (or use Attach).
func NewSession(config Config) *Session {
	config.ApplyDefaults()
	s := &Session{
		config:   config,
		magic:    []byte(config.Magic),
		channels: make(map[uint32]*Channel),
		nextID:   2,
	}
	if config.Client {
		s.nextID = 1
	}
	return s
}

// Attach starts a session on conn.
func Attach(reg *handler.Registry, conn net.Conn, config Config) *Session {
	s := NewSession(config)
	h := reg.Attach(conn, s, "mpx")
	s.handler.Store(h)
	h.Start(handler.ActionInitialize)
	return s
}

// Handler returns the socket handler, or nil before the session started.
func (s *Session) Handler() *handler.Handler {
	return s.handler.Load()
}

// Ready reports whether the handshake completed.
func (s *Session) Ready() bool {
	return s.ready.Load()
}

// Open creates a channel and announces it to the peer. Data written to the
// channel before the handshake completes is held back until then.
func (s *Session) Open(name string, app ChannelHandler) (*Channel, error) {
	if s.handler.Load() == nil {
		return nil, ErrSessionNotStarted
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID += 2
	s.mu.Unlock()

	return s.startChannel(id, name, app, true)
}

// Channels returns the open channels.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Session) channel(id uint32) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

func (s *Session) startChannel(id uint32, name string, app ChannelHandler, local bool) (*Channel, error) {
	sh := s.handler.Load()
	ch := &Channel{session: s, id: id, name: name, app: app}
	if local {
		ch.controls = append(ch.controls, controlPacket{Op: uint32(opOpen), Name: name})
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, exists := s.channels[id]; exists {
		s.mu.Unlock()
		return nil, protocolErrorf("channel %d opened twice", id)
	}
	ch.handler = sh.Registry().Register(ch, "mpx:"+name)
	s.channels[id] = ch
	s.mu.Unlock()

	logger.Debug("mpx: session %d: channel %d (%s) opened (local=%t)", sh.ID(), id, name, local)
	ch.handler.Start(handler.ActionInitialize)
	return ch, nil
}

func (s *Session) removeChannel(ch *Channel) {
	s.mu.Lock()
	if s.channels[ch.id] == ch {
		delete(s.channels, ch.id)
	}
	s.mu.Unlock()
}

func (s *Session) HandleEvent(ctx context.Context, ev *handler.Event) error {
	switch ev.Kind {
	case handler.EventInitialize:
		s.handler.CompareAndSwap(nil, ev.Handler)
		ev.Handler.SetStageTimeout(s.config.HandshakeTimeout, false)
		ev.Tx.Add(s.magic)
		ev.Next = handler.ActionSend

	case handler.EventReceive, handler.EventSend, handler.EventCaptureReleased:
		return s.process(ev)

	default:
		ev.Next = handler.ActionDispose
	}
	return nil
}

// process completes the handshake, dispatches every complete frame in rx,
// and sends whatever control frames that produced.
func (s *Session) process(ev *handler.Event) error {
	rx := ev.Rx

	if !s.ready.Load() {
		if rx.Len() < len(s.magic) {
			ev.Receive(0)
			return nil
		}
		if !bytes.Equal(rx.Bytes(0, len(s.magic)), s.magic) {
			s.handshakeFailed(ev)
			return nil
		}
		rx.Remove(len(s.magic))
		ev.Handler.SetStageTimeout(0, false)
		s.ready.Store(true)
		ev.Handler.Signal(signalReady)
		logger.Debug("mpx: session %d: handshake complete", ev.Handler.ID())
	}

	for {
		f, ok, err := readFrame(rx, s.config.MaxFrameSize)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := s.handleFrame(ev, f); err != nil {
			return err
		}
	}

	if ev.Tx.Len() > 0 {
		ev.Next = handler.ActionSend
	} else {
		ev.Receive(0)
	}
	return nil
}

func (s *Session) handshakeFailed(ev *handler.Event) {
	logger.Debug("mpx: session %d: bad handshake from %s", ev.Handler.ID(), peer(ev.Handler))
	ev.Rx.Reset()
	if cb := s.config.OnHandshakeFailed; cb != nil {
		cb(ev.Handler, ErrHandshake)
		ev.Next = handler.ActionDispose
		return
	}
	ev.Next = handler.ActionDisconnect
}

func (s *Session) handleFrame(ev *handler.Event, f frame) error {
	if f.typ == frameData {
		ch := s.channel(f.channel)
		if ch == nil {
			logger.Debug("mpx: session %d: dropping %d bytes for unknown channel %d",
				ev.Handler.ID(), len(f.payload), f.channel)
			return nil
		}
		if ch.deliver(f.payload) {
			writeControl(ev.Tx, ch.id, controlPacket{Op: uint32(opYield)})
		}
		return nil
	}

	pkt, err := decodeControl(f.payload)
	if err != nil {
		return err
	}

	switch op(pkt.Op) {
	case opOpen:
		return s.accept(ev, f.channel, pkt.Name)

	case opClose:
		if ch := s.channel(f.channel); ch != nil {
			s.removeChannel(ch)
			_ = ch.handler.PostMessage(peerClosed{})
		}

	case opYield:
		if ch := s.channel(f.channel); ch != nil {
			ch.paused.Store(true)
		}

	case opResume:
		if ch := s.channel(f.channel); ch != nil {
			ch.paused.Store(false)
			ev.Handler.Signal(resumeSignal(ch.id))
		}

	default:
		panic(protocolErrorf("unknown control packet %v on channel %d", op(pkt.Op), f.channel))
	}
	return nil
}

// accept handles OPEN from the peer.
func (s *Session) accept(ev *handler.Event, id uint32, name string) error {
	if id == 0 || (id%2 == 1) == s.config.Client {
		return protocolErrorf("peer opened channel %d with a local id", id)
	}

	var app ChannelHandler
	if s.config.Accept != nil {
		app = s.config.Accept(name)
	}
	if app == nil {
		logger.Debug("mpx: session %d: refusing channel %d (%s)", ev.Handler.ID(), id, name)
		writeControl(ev.Tx, id, controlPacket{Op: uint32(opClose)})
		return nil
	}

	_, err := s.startChannel(id, name, app, false)
	return err
}

func (s *Session) HandleException(h *handler.Handler, err error) {
	logger.Warn("mpx: session %d from %s failed: %v", h.ID(), peer(h), err)
}

// Dispose closes every channel of the session.
func (s *Session) Dispose(h *handler.Handler) {
	s.mu.Lock()
	s.closed.Store(true)
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.handler.Close()
	}
	logger.Debug("mpx: session %d closed with %d channels", h.ID(), len(channels))
}

func peer(h *handler.Handler) string {
	if t := h.Transport(); t != nil {
		return t.RemoteAddr().String()
	}
	return "?"
}
