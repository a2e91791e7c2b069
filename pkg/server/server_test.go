package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newListener(t *testing.T, reg *handler.Registry, name string, port int) *Listener {
	t.Helper()
	return NewListener(ListenerConfig{
		Name:            name,
		Address:         "127.0.0.1",
		Port:            port,
		ShutdownTimeout: time.Second,
	}, reg, echoFactory, nil)
}

func tcpPort(t *testing.T, l *Listener) int {
	t.Helper()
	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func TestNewPanicsWithoutRegistry(t *testing.T) {
	assert.Panics(t, func() { New(nil, Config{}) })
}

func TestConfigDefaults(t *testing.T) {
	s := New(newTestRegistry(t), Config{})

	assert.Equal(t, time.Second, s.config.ReapInterval)
	assert.Equal(t, 30*time.Second, s.config.ShutdownTimeout)
}

func TestAddListener(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, Config{})

	require.NoError(t, s.AddListener(newListener(t, reg, "a", 18001)))
	require.NoError(t, s.AddListener(newListener(t, reg, "b", 0)))
	require.NoError(t, s.AddListener(newListener(t, reg, "c", 0)))

	err := s.AddListener(newListener(t, reg, "a", 18002))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = s.AddListener(newListener(t, reg, "d", 18001))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")

	assert.Len(t, s.Listeners(), 3)
	assert.Same(t, reg, s.Registry())
}

func TestServeWithoutListeners(t *testing.T) {
	s := New(newTestRegistry(t), Config{})

	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no listeners")
}

func TestServeRunsUntilCancelled(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, Config{ReapInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second})

	first := newListener(t, reg, "first", 0)
	other := newListener(t, reg, "second", 0)
	require.NoError(t, s.AddListener(first))
	require.NoError(t, s.AddListener(other))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	for _, l := range []*Listener{first, other} {
		select {
		case <-l.Ready():
		case <-time.After(testTimeout):
			t.Fatalf("%s not ready", l.Name())
		}
	}

	conn := dialEcho(t, first.Addr().String(), "ping")
	conn2 := dialEcho(t, other.Addr().String(), "pong")
	require.NoError(t, conn.Close())
	require.NoError(t, conn2.Close())

	assert.Panics(t, func() { _ = s.AddListener(newListener(t, reg, "late", 0)) })

	cancel()
	assert.NoError(t, waitServe(t, errc))
	assert.Equal(t, 0, reg.Len())

	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been called")
}

func TestServeReapsTimedOutHandlers(t *testing.T) {
	reg := handler.NewRegistry(handler.Config{
		FragmentSize:   256,
		PollInterval:   10 * time.Millisecond,
		InitialTimeout: 20 * time.Millisecond,
	}, nil)
	t.Cleanup(reg.CloseAll)

	s := New(reg, Config{ReapInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	require.NoError(t, s.AddListener(newListener(t, reg, "reap", 0)))

	stale := reg.Register(handler.ProtocolFunc(func(_ context.Context, ev *handler.Event) error {
		ev.Next = handler.ActionSetIdle
		return nil
	}), "stale")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	select {
	case <-stale.Done():
	case <-time.After(testTimeout):
		t.Fatal("timed-out handler not reaped")
	}

	cancel()
	assert.NoError(t, waitServe(t, errc))
}

func TestServeFailsWhenListenerCannotBind(t *testing.T) {
	reg := newTestRegistry(t)
	s := New(reg, Config{ShutdownTimeout: time.Second})

	first := newListener(t, reg, "first", 0)
	require.NoError(t, s.AddListener(first))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	select {
	case <-first.Ready():
	case <-time.After(testTimeout):
		t.Fatal("listener not ready")
	}

	// A second server on the same port fails and stops its other listeners
	reg2 := newTestRegistry(t)
	s2 := New(reg2, Config{ShutdownTimeout: time.Second})
	clash := NewListener(ListenerConfig{
		Name:    "clash",
		Address: "127.0.0.1",
		Port:    tcpPort(t, first),
	}, reg2, echoFactory, nil)
	healthy := newListener(t, reg2, "healthy", 0)
	require.NoError(t, s2.AddListener(clash))
	require.NoError(t, s2.AddListener(healthy))

	err := s2.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clash listener")

	cancel()
	assert.NoError(t, waitServe(t, errc))
}
