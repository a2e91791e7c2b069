package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittosock/pkg/dynbuf"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/protocol/mpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idle(_ context.Context, ev *handler.Event) error {
	ev.Next = handler.ActionSetIdle
	return nil
}

func TestStatusHandlerHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	StatusHandler(newTestRegistry(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestStatusHandlerEcho(t *testing.T) {
	h := StatusHandler(newTestRegistry(t))

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"a":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, PUT", rec.Header().Get("Allow"))
}

func TestStatusHandlerHandlers(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(handler.ProtocolFunc(idle), "first")
	reg.Register(handler.ProtocolFunc(idle), "second")

	rec := httptest.NewRecorder()
	StatusHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/handlers", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var infos []HandlerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "first", infos[0].Name)
	assert.Equal(t, "second", infos[1].Name)
}

func TestSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	assert.Empty(t, Snapshot(reg))

	server, client := net.Pipe()
	defer client.Close()

	attached := reg.Attach(server, handler.ProtocolFunc(echo), "piped")
	require.True(t, attached.Start(handler.ActionInitialize))
	registered := reg.Register(handler.ProtocolFunc(idle), "bare")

	infos := Snapshot(reg)
	require.Len(t, infos, 2)
	assert.Less(t, infos[0].ID, infos[1].ID)

	byName := make(map[string]HandlerInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}

	assert.Equal(t, uint64(attached.ID()), byName["piped"].ID)
	assert.NotEmpty(t, byName["piped"].Remote)
	assert.False(t, byName["piped"].TLS)
	assert.False(t, byName["piped"].Captured)

	assert.Equal(t, uint64(registered.ID()), byName["bare"].ID)
	assert.Empty(t, byName["bare"].Remote)
	assert.Equal(t, registered.State().String(), byName["bare"].State)
}

func TestAcceptServices(t *testing.T) {
	assert.Equal(t, EchoChannel{}, AcceptServices("echo"))
	assert.Nil(t, AcceptServices("shell"))
}

// sink collects what a client channel receives.
type sink struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func (s *sink) HandleOpen(*mpx.Channel, *dynbuf.Buffer) {}

func (s *sink) HandleData(_ *mpx.Channel, in, _ *dynbuf.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := in.WriteTo(&s.data)
	return err
}

func (s *sink) HandleClose(*mpx.Channel) {
	s.once.Do(func() { close(s.closed) })
}

func (s *sink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.String()
}

func TestMPXEchoService(t *testing.T) {
	reg := newTestRegistry(t)
	srv := mpx.NewServer(mpx.Config{Accept: AcceptServices})
	l := NewListener(ListenerConfig{Name: "mpx", Protocol: "mpx", Address: "127.0.0.1", ShutdownTimeout: time.Second}, reg, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	addr, errc := startListener(t, ctx, l)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	client := mpx.Attach(reg, conn, mpx.Config{Client: true})
	require.Eventually(t, client.Ready, testTimeout, time.Millisecond)

	echoed := &sink{closed: make(chan struct{})}
	ch, err := client.Open("echo", echoed)
	require.NoError(t, err)
	require.NoError(t, ch.Send([]byte("over the mux")))

	require.Eventually(t, func() bool { return echoed.String() == "over the mux" }, testTimeout, time.Millisecond)

	refused := &sink{closed: make(chan struct{})}
	_, err = client.Open("shell", refused)
	require.NoError(t, err)
	select {
	case <-refused.closed:
	case <-time.After(testTimeout):
		t.Fatal("unknown service not refused")
	}

	client.Handler().Close()
	cancel()
	assert.NoError(t, waitServe(t, errc))
}
