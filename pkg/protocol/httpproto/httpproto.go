// Package httpproto serves HTTP/1.x over socket handlers.
//
// Each connection gets its own Protocol value. Request headers are located
// incrementally in the receive buffer (the CRLFCRLF search resumes where the
// previous receive left off), parsed with net/http, and handed to an
// http.Handler. The response is serialised straight into the transmit
// buffer.
//
// Chunked request bodies are not supported and are answered with 411.
package httpproto

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/dynbuf"
	"github.com/marmos91/dittosock/pkg/handler"
	"golang.org/x/text/encoding"
)

var headerEnd = []byte("\r\n\r\n")

// Config configures HTTP connections.
type Config struct {
	// Handler serves requests. Default: http.NotFoundHandler()
	Handler http.Handler

	// MaxHeaderBytes bounds the request line plus headers. Larger requests
	// get 413. Default: 64KB
	MaxHeaderBytes int

	// MaxBodyBytes bounds Content-Length. Default: 10MB
	MaxBodyBytes int64

	// HeaderTimeout is how long a client may take to send a complete
	// request once it started. Default: 10s
	HeaderTimeout time.Duration

	// KeepAliveTimeout is how long an idle keep-alive connection is kept.
	// Default: 60s
	KeepAliveTimeout time.Duration

	// ResponseCharset, when set, transcodes text/* response bodies from
	// UTF-8 into this IANA charset.
	ResponseCharset string

	// TLS runs a server handshake before the first request. Ignored when
	// CertStore is set.
	TLS *tls.Config

	// CertStore and Hostname select a certificate from a store instead.
	CertStore certstore.Store
	Hostname  string
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Handler == nil {
		c.Handler = http.NotFoundHandler()
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 64 << 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = 10 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 60 * time.Second
	}
}

// Server creates a Protocol per connection.
type Server struct {
	config  Config
	charset encoding.Encoding
}

// NewServer validates config and returns a connection factory.
func NewServer(config Config) (*Server, error) {
	config.ApplyDefaults()
	s := &Server{config: config}
	if config.ResponseCharset != "" {
		enc, err := dynbuf.LookupEncoding(config.ResponseCharset)
		if err != nil {
			return nil, fmt.Errorf("response charset: %w", err)
		}
		s.charset = enc
	}
	return s, nil
}

// NewProtocol returns the state for one connection.
func (s *Server) NewProtocol() handler.Protocol {
	return &Protocol{server: s}
}

type stage int

const (
	stageIdle stage = iota
	stageHeader
	stageBody
	stageClosing
)

// Protocol is the per-connection HTTP state machine.
type Protocol struct {
	server *Server

	stage    stage
	scanFrom int

	// set while waiting for a request body
	request   *http.Request
	headerLen int

	requests int
}

func (p *Protocol) HandleEvent(ctx context.Context, ev *handler.Event) error {
	switch ev.Kind {
	case handler.EventInitialize:
		if err := p.startTLS(ctx, ev.Handler); err != nil {
			return err
		}
		p.idle(ev.Handler)
		ev.Receive(0)

	case handler.EventReceive:
		p.process(ctx, ev)

	case handler.EventSend:
		if p.stage == stageClosing {
			ev.Next = handler.ActionDisconnect
			return nil
		}
		p.idle(ev.Handler)
		p.process(ctx, ev)

	case handler.EventCaptureReleased:
		ev.Receive(0)

	default:
		ev.Next = handler.ActionDispose
	}
	return nil
}

func (p *Protocol) HandleException(h *handler.Handler, err error) {
	logger.Warn("http: connection %d from %s closed: %v", h.ID(), remoteAddr(h), err)
}

func (p *Protocol) startTLS(ctx context.Context, h *handler.Handler) error {
	cfg := &p.server.config
	switch {
	case cfg.CertStore != nil:
		return h.StartTLSServerFromStore(ctx, cfg.CertStore, cfg.Hostname)
	case cfg.TLS != nil:
		return h.StartTLSServer(ctx, cfg.TLS)
	}
	return nil
}

// idle waits for the next request on a keep-alive connection.
func (p *Protocol) idle(h *handler.Handler) {
	p.stage = stageIdle
	p.scanFrom = 0
	p.request = nil
	h.SetStageTimeout(p.server.config.KeepAliveTimeout, false)
}

// process handles whatever complete requests the receive buffer holds and
// sets the next action.
func (p *Protocol) process(ctx context.Context, ev *handler.Event) {
	cfg := &p.server.config
	rx := ev.Rx

	if rx.Len() == 0 {
		ev.Receive(0)
		return
	}
	if p.stage == stageIdle {
		p.stage = stageHeader
		ev.Handler.SetStageTimeout(cfg.HeaderTimeout, false)
	}

	if p.stage == stageHeader {
		index, resume := rx.IndexOf(headerEnd, p.scanFrom)
		if index < 0 {
			if rx.Len() > cfg.MaxHeaderBytes {
				p.fail(ev, http.StatusRequestEntityTooLarge, "request header too large")
				return
			}
			p.scanFrom = resume
			ev.Receive(0)
			return
		}

		p.headerLen = index + len(headerEnd)
		if p.headerLen > cfg.MaxHeaderBytes {
			p.fail(ev, http.StatusRequestEntityTooLarge, "request header too large")
			return
		}

		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(rx.Bytes(0, p.headerLen))))
		if err != nil {
			logger.Debug("http: connection %d: malformed request: %v", ev.Handler.ID(), err)
			p.fail(ev, http.StatusBadRequest, "malformed request")
			return
		}
		if len(req.TransferEncoding) > 0 {
			p.fail(ev, http.StatusLengthRequired, "chunked request bodies are not supported")
			return
		}
		if req.ContentLength > cfg.MaxBodyBytes {
			p.fail(ev, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		p.request = req
		p.stage = stageBody
	}

	need := p.headerLen + int(max(p.request.ContentLength, 0))
	if rx.Len() < need {
		ev.Receive(0)
		return
	}

	body := rx.Bytes(p.headerLen, need-p.headerLen)
	rx.Remove(need)
	req := p.request
	p.request = nil

	keepAlive := p.serve(ctx, ev, req, body)
	if !keepAlive {
		p.stage = stageClosing
	}
	ev.Next = handler.ActionSend
}

// serve runs the handler and writes the response into tx. It reports
// whether the connection stays open.
func (p *Protocol) serve(ctx context.Context, ev *handler.Event, req *http.Request, body []byte) bool {
	h := ev.Handler
	p.requests++

	req = req.WithContext(ctx)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.RemoteAddr = remoteAddr(h)
	if t := h.Transport(); t != nil && t.TLSStarted() {
		if tc, ok := t.Conn().(*tls.Conn); ok {
			state := tc.ConnectionState()
			req.TLS = &state
		}
	}

	keepAlive := !req.Close && (req.ProtoAtLeast(1, 1) ||
		strings.EqualFold(req.Header.Get("Connection"), "keep-alive"))

	w := newResponseWriter(ev.Tx.FragmentSize(), p.server.charset)
	p.server.config.Handler.ServeHTTP(w, req)
	w.finish(ev.Tx, req, keepAlive)

	logger.Debug("http: connection %d: %s %s -> %d (%d bytes)",
		h.ID(), req.Method, req.URL.Path, w.status, w.written)
	return keepAlive && !w.closeRequested()
}

// fail answers with status and closes the connection.
func (p *Protocol) fail(ev *handler.Event, status int, msg string) {
	ev.Rx.Reset()
	p.stage = stageClosing
	writeSimpleResponse(ev.Tx, status, msg)
	ev.Next = handler.ActionSend
}

func writeSimpleResponse(tx *dynbuf.Buffer, status int, msg string) {
	body := msg + "\n"
	fmt.Fprintf(tx.Appender(), "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

func remoteAddr(h *handler.Handler) string {
	if t := h.Transport(); t != nil {
		return t.RemoteAddr().String()
	}
	return ""
}
