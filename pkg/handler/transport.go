package handler

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosock/pkg/dynbuf"
)

var errInterrupted = errors.New("receive interrupted")

// Transport is the socket a handler drives: a net.Conn, optionally wrapped
// in TLS.
type Transport struct {
	raw net.Conn

	// security is replaced, never mutated, so other handlers' chains can
	// read it while the owner starts or stops TLS.
	security atomic.Pointer[tlsState]

	receiving   atomic.Bool
	interrupted atomic.Bool
}

type tlsState struct {
	conn       *tls.Conn
	localHash  string
	remoteHash string
}

// NewTransport wraps an established connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{raw: conn}
}

// Conn returns the connection reads and writes go through (the TLS
// connection once transport security started).
func (t *Transport) Conn() net.Conn {
	if st := t.security.Load(); st != nil {
		return st.conn
	}
	return t.raw
}

// RemoteAddr returns the peer address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.raw.RemoteAddr()
}

// Receive performs one read into rx. A pending Interrupt makes it return
// errInterrupted without data.
//
// A limit of zero reads whatever fits in the tail fragment, then keeps
// draining while the kernel reports more plaintext bytes pending, so a burst
// is taken in one step.
func (t *Transport) Receive(rx *dynbuf.Buffer, limit int) (int, error) {
	t.receiving.Store(true)
	if t.interrupted.Swap(false) {
		t.receiving.Store(false)
		_ = t.raw.SetReadDeadline(time.Time{})
		return 0, errInterrupted
	}

	conn := t.Conn()
	n, err := rx.Fill(conn, limit)
	if limit == 0 && err == nil && conn == t.raw {
		for pending := t.Available(); pending > 0; pending = t.Available() {
			m, ferr := rx.Fill(conn, pending)
			n += m
			if ferr != nil || m == 0 {
				break
			}
		}
	}
	t.receiving.Store(false)

	if err != nil && isTimeout(err) && t.interrupted.Load() {
		if n > 0 {
			// keep the flag: the next Receive reports the interrupt
			return n, nil
		}
		t.interrupted.Store(false)
		_ = t.raw.SetReadDeadline(time.Time{})
		return 0, errInterrupted
	}
	if t.interrupted.Load() {
		_ = t.raw.SetReadDeadline(time.Time{})
	}
	return n, err
}

// Send writes all of tx and removes what was written.
func (t *Transport) Send(tx *dynbuf.Buffer) (int, error) {
	n, err := tx.WriteTo(t.Conn())
	return int(n), err
}

// Interrupt makes a blocked or upcoming Receive return early.
func (t *Transport) Interrupt() {
	t.interrupted.Store(true)
	if t.receiving.Load() {
		_ = t.raw.SetReadDeadline(time.Now())
	}
}

// SetNoDelay toggles Nagle's algorithm on TCP connections.
func (t *Transport) SetNoDelay(noDelay bool) error {
	if tcp, ok := t.raw.(*net.TCPConn); ok {
		return tcp.SetNoDelay(noDelay)
	}
	return nil
}

// SetBuffers sets the kernel receive and send buffer sizes; zero keeps the
// current value.
func (t *Transport) SetBuffers(read, write int) error {
	tcp, ok := t.raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if read > 0 {
		if err := tcp.SetReadBuffer(read); err != nil {
			return fmt.Errorf("set read buffer: %w", err)
		}
	}
	if write > 0 {
		if err := tcp.SetWriteBuffer(write); err != nil {
			return fmt.Errorf("set write buffer: %w", err)
		}
	}
	return nil
}

// CloseWrite half-closes the connection.
func (t *Transport) CloseWrite() error {
	if st := t.security.Load(); st != nil {
		if err := st.conn.CloseWrite(); err != nil {
			return err
		}
	}
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := t.raw.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.raw.Close()
}

// TLSStarted reports whether reads and writes go through TLS.
func (t *Transport) TLSStarted() bool {
	return t.security.Load() != nil
}

// LocalCertificateHash returns the SHA-256 of the local certificate in hex,
// or "" without TLS.
func (t *Transport) LocalCertificateHash() string {
	if st := t.security.Load(); st != nil {
		return st.localHash
	}
	return ""
}

// RemoteCertificateHash returns the SHA-256 of the peer certificate in hex,
// or "" if the peer sent none.
func (t *Transport) RemoteCertificateHash() string {
	if st := t.security.Load(); st != nil {
		return st.remoteHash
	}
	return ""
}

// startTLS runs the handshake over the raw connection. Bytes already
// received into rx are fed to the handshake first.
func (t *Transport) startTLS(ctx context.Context, server bool, cfg *tls.Config, rx *dynbuf.Buffer) error {
	if t.security.Load() != nil {
		return errors.New("transport security already started")
	}

	var base net.Conn = t.raw
	if rx != nil && rx.Len() > 0 {
		pre := dynbuf.New(nil, rx.FragmentSize())
		rx.MoveAllTo(pre)
		base = &prefixConn{Conn: t.raw, pre: pre}
	}

	var c *tls.Conn
	if server {
		c = tls.Server(base, cfg)
	} else {
		c = tls.Client(base, cfg)
	}
	if err := c.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	st := &tlsState{conn: c}
	state := c.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		st.remoteHash = certificateHash(state.PeerCertificates[0].Raw)
	}
	if len(cfg.Certificates) > 0 && len(cfg.Certificates[0].Certificate) > 0 {
		st.localHash = certificateHash(cfg.Certificates[0].Certificate[0])
	}
	t.security.Store(st)
	return nil
}

// stopTLS sends close_notify and returns to plaintext on the raw connection.
func (t *Transport) stopTLS() error {
	st := t.security.Swap(nil)
	if st == nil {
		return ErrTLSNotStarted
	}
	return st.conn.CloseWrite()
}

func certificateHash(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// prefixConn serves buffered bytes before reading from the connection.
type prefixConn struct {
	net.Conn
	pre *dynbuf.Buffer
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.pre.Len() > 0 {
		n := c.pre.CopyTo(p, 0)
		c.pre.Remove(n)
		return n, nil
	}
	return c.Conn.Read(p)
}
