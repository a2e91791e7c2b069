package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/protocol/httpproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// countingMetrics records listener events.
type countingMetrics struct {
	accepted    atomic.Int32
	rejected    atomic.Int32
	closed      atomic.Int32
	forceClosed atomic.Int32

	mu     sync.Mutex
	active map[string]int32
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{active: make(map[string]int32)}
}

func (m *countingMetrics) SetActiveConnections(listener string, count int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[listener] = count
}

func (m *countingMetrics) RecordConnectionAccepted(string)    { m.accepted.Add(1) }
func (m *countingMetrics) RecordConnectionRejected(string)    { m.rejected.Add(1) }
func (m *countingMetrics) RecordConnectionClosed(string)      { m.closed.Add(1) }
func (m *countingMetrics) RecordConnectionForceClosed(string) { m.forceClosed.Add(1) }

// echo sends back whatever it receives until the peer hangs up.
func echo(_ context.Context, ev *handler.Event) error {
	switch ev.Kind {
	case handler.EventInitialize, handler.EventSend:
		ev.Receive(0)
	case handler.EventReceive:
		ev.Rx.MoveAllTo(ev.Tx)
		ev.Next = handler.ActionSend
	default:
		ev.Next = handler.ActionDispose
	}
	return nil
}

var echoFactory = FactoryFunc(func() handler.Protocol { return handler.ProtocolFunc(echo) })

func newTestRegistry(t *testing.T) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry(handler.Config{FragmentSize: 256, PollInterval: 10 * time.Millisecond}, nil)
	t.Cleanup(reg.CloseAll)
	return reg
}

// startListener serves l in the background and returns its address and a
// channel carrying Serve's result.
func startListener(t *testing.T, ctx context.Context, l *Listener) (string, <-chan error) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- l.Serve(ctx) }()

	select {
	case <-l.Ready():
	case err := <-errc:
		t.Fatalf("listener failed to start: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("listener not ready")
	}
	return l.Addr().String(), errc
}

func waitServe(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return")
		return nil
	}
}

func dialEcho(t *testing.T, addr, msg string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
	return conn
}

func TestListenerConfigDefaults(t *testing.T) {
	l := NewListener(ListenerConfig{}, newTestRegistry(t), echoFactory, nil)

	assert.Equal(t, "tcp", l.Protocol())
	assert.Equal(t, "tcp", l.Name())
	assert.Equal(t, 30*time.Second, l.config.ShutdownTimeout)
	assert.Nil(t, l.Addr())
}

func TestNewListenerPanicsOnInvalidConfig(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name   string
		config ListenerConfig
	}{
		{"port", ListenerConfig{Port: 70000}},
		{"max connections", ListenerConfig{MaxConnections: -1}},
		{"accept rate", ListenerConfig{AcceptRate: -1}},
		{"read buffer", ListenerConfig{ReadBuffer: -1}},
		{"shutdown timeout", ListenerConfig{ShutdownTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { NewListener(tt.config, reg, echoFactory, nil) })
		})
	}

	assert.Panics(t, func() { NewListener(ListenerConfig{}, reg, nil, nil) })
}

func TestListenerEcho(t *testing.T) {
	reg := newTestRegistry(t)
	m := newCountingMetrics()
	l := NewListener(ListenerConfig{Name: "echo", Address: "127.0.0.1"}, reg, echoFactory, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, errc := startListener(t, ctx, l)

	conn := dialEcho(t, addr, "hello")
	require.Eventually(t, func() bool { return l.ActiveConnections() == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return l.ActiveConnections() == 0 }, testTimeout, time.Millisecond)
	assert.Equal(t, int32(1), m.accepted.Load())
	assert.Equal(t, int32(1), m.closed.Load())

	cancel()
	assert.NoError(t, waitServe(t, errc))
}

func TestListenerServesHTTP(t *testing.T) {
	reg := newTestRegistry(t)
	srv, err := httpproto.NewServer(httpproto.Config{Handler: StatusHandler(reg)})
	require.NoError(t, err)

	l := NewListener(ListenerConfig{Name: "http", Protocol: "http", Address: "127.0.0.1"}, reg, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, errc := startListener(t, ctx, l)

	client := &http.Client{
		Timeout:   testTimeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}

	resp, err := client.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	cancel()
	assert.NoError(t, waitServe(t, errc))
}

func TestListenerMaxConnections(t *testing.T) {
	reg := newTestRegistry(t)
	l := NewListener(ListenerConfig{Name: "limited", Address: "127.0.0.1", MaxConnections: 1}, reg, echoFactory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, errc := startListener(t, ctx, l)

	first := dialEcho(t, addr, "one")

	// The second connection completes the TCP handshake in the backlog but
	// is not served until the first closes.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("two"))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = second.Read(make([]byte, 3))
	require.Error(t, err)
	assert.Equal(t, int32(1), l.ActiveConnections())

	require.NoError(t, first.Close())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, 3)
	_, err = io.ReadFull(second, buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf))

	require.NoError(t, second.Close())
	cancel()
	assert.NoError(t, waitServe(t, errc))
}

func TestListenerAcceptRate(t *testing.T) {
	reg := newTestRegistry(t)
	l := NewListener(ListenerConfig{Address: "127.0.0.1", AcceptRate: 1000, AcceptBurst: 1}, reg, echoFactory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, errc := startListener(t, ctx, l)

	for i := 0; i < 3; i++ {
		conn := dialEcho(t, addr, "x")
		require.NoError(t, conn.Close())
	}

	cancel()
	assert.NoError(t, waitServe(t, errc))
}

func TestListenerStopBeforeServe(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1"}, newTestRegistry(t), echoFactory, nil)

	require.NoError(t, l.Stop(context.Background()))

	// Serve after Stop opens nothing and returns at once
	assert.NoError(t, l.Serve(context.Background()))
	assert.Nil(t, l.Addr())
}

func TestListenerStop(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1"}, newTestRegistry(t), echoFactory, nil)
	addr, errc := startListener(t, context.Background(), l)

	conn := dialEcho(t, addr, "bye")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.NoError(t, waitServe(t, errc))

	_, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestListenerForceClose(t *testing.T) {
	reg := newTestRegistry(t)
	m := newCountingMetrics()
	l := NewListener(ListenerConfig{
		Name:            "sticky",
		Address:         "127.0.0.1",
		ShutdownTimeout: 100 * time.Millisecond,
	}, reg, echoFactory, m)

	ctx, cancel := context.WithCancel(context.Background())
	addr, errc := startListener(t, ctx, l)

	conn := dialEcho(t, addr, "stay")
	defer conn.Close()

	cancel()
	err := waitServe(t, errc)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "force-closed"), err.Error())
	assert.Equal(t, int32(1), m.forceClosed.Load())

	// The handler closed the socket
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return l.ActiveConnections() == 0 }, testTimeout, time.Millisecond)
}

func TestListenerAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	l := NewListener(ListenerConfig{Name: "dup", Address: "127.0.0.1", Port: port}, newTestRegistry(t), echoFactory, nil)
	err = l.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create dup listener")
}
