//go:build linux || darwin || freebsd

package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/marmos91/dittosock/pkg/bufpool"
	"github.com/marmos91/dittosock/pkg/dynbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = receive(t, accepted)
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

func sequenceBytes(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestTransportAvailable(t *testing.T) {
	server, client := tcpPair(t)
	tr := NewTransport(server)
	assert.Zero(t, tr.Available())

	_, err := client.Write(sequenceBytes(1000))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.Available() == 1000 },
		testTimeout, 5*time.Millisecond)

	rx := dynbuf.New(bufpool.NewPool(nil), 64)
	n, err := tr.Receive(rx, 100)
	require.NoError(t, err)
	assert.Equal(t, 64, n, "a bounded receive stops at the tail fragment")
	assert.Equal(t, 936, tr.Available())
}

func TestTransportReceiveDrainsPendingBytes(t *testing.T) {
	server, client := tcpPair(t)
	tr := NewTransport(server)

	payload := sequenceBytes(5000)
	_, err := client.Write(payload)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Available() == len(payload) },
		testTimeout, 5*time.Millisecond)

	rx := dynbuf.New(bufpool.NewPool(nil), 256)
	n, err := tr.Receive(rx, 0)
	require.NoError(t, err)

	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, rx.Bytes(0, rx.Len()))
	assert.Zero(t, tr.Available())
}

func TestHandlerReceivesBurstInOneStep(t *testing.T) {
	reg := newTestRegistry(Config{FragmentSize: 128})
	server, client := tcpPair(t)

	payload := sequenceBytes(4096)
	_, err := client.Write(payload)
	require.NoError(t, err)

	counts := make(chan int, 1)
	proto := newTestProtocol(func(_ context.Context, ev *Event) error {
		switch ev.Kind {
		case EventInitialize:
			ev.Receive(0)
		case EventReceive:
			counts <- ev.Count
			ev.Next = ActionDispose
		}
		return nil
	})
	h := reg.Attach(server, proto, "burst")
	require.Eventually(t, func() bool { return h.Transport().Available() == len(payload) },
		testTimeout, 5*time.Millisecond)

	h.Start(ActionInitialize)
	assert.Equal(t, len(payload), receive(t, counts))
	waitDone(t, h)
}
