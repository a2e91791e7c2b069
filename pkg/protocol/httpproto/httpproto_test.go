package httpproto

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer serves config on a loopback listener until the test ends.
func startServer(t *testing.T, config Config) string {
	t.Helper()

	srv, err := NewServer(config)
	require.NoError(t, err)

	reg := handler.NewRegistry(handler.Config{FragmentSize: 64}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			reg.Attach(conn, srv.NewProtocol(), "http").Start(handler.ActionInitialize)
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		reg.CloseAll()
	})
	return ln.Addr().String()
}

func testMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "hello "+r.URL.Query().Get("name"))
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/bye", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = io.WriteString(w, "bye")
	})
	mux.HandleFunc("/cafe", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "café")
	})
	return mux
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, r *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(r, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// assertClosed checks the server closed the connection. Depending on
// whether unread request bytes were left behind, that is a FIN or a reset.
func assertClosed(t *testing.T, r *bufio.Reader) {
	t.Helper()
	_, err := r.ReadByte()
	assert.Error(t, err)
}

func TestServeWithNetHTTPClient(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux()})

	client := &http.Client{Timeout: 5 * time.Second}
	for _, name := range []string{"a", "b", "c"} {
		resp, err := client.Get("http://" + addr + "/hello?name=" + name)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello "+name, string(body))
		assert.NotEmpty(t, resp.Header.Get("Date"))
	}

	resp, err := client.Post("http://"+addr+"/echo", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "payload", string(body))

	resp, err = client.Get("http://" + addr + "/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeepAliveAndPipelining(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux()})
	conn, r := dial(t, addr)

	_, err := io.WriteString(conn,
		"GET /hello?name=one HTTP/1.1\r\nHost: x\r\n\r\n"+
			"POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"+
			"GET /hello?name=three HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)

	_, body := readResponse(t, r, http.MethodGet)
	assert.Equal(t, "hello one", body)
	_, body = readResponse(t, r, http.MethodPost)
	assert.Equal(t, "hello", body)
	resp, body := readResponse(t, r, http.MethodGet)
	assert.Equal(t, "hello three", body)
	assert.False(t, resp.Close)
}

func TestRequestSplitAcrossReads(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux()})
	conn, r := dial(t, addr)

	request := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nsplit body!"
	for i := 0; i < len(request); i++ {
		_, err := conn.Write([]byte{request[i]})
		require.NoError(t, err)
		if i%7 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	_, body := readResponse(t, r, http.MethodPost)
	assert.Equal(t, "split body!", body)
}

func TestHeadOmitsBody(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux()})
	conn, r := dial(t, addr)

	_, err := io.WriteString(conn, "HEAD /hello?name=x HTTP/1.1\r\nHost: x\r\n\r\nGET /empty HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)

	resp, body := readResponse(t, r, http.MethodHead)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("Content-Length"))
	assert.Empty(t, body)

	resp, body = readResponse(t, r, http.MethodGet)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)
}

func TestConnectionClose(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux()})

	t.Run("RequestedByClient", func(t *testing.T) {
		conn, r := dial(t, addr)
		_, err := io.WriteString(conn, "GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
		require.NoError(t, err)
		resp, _ := readResponse(t, r, http.MethodGet)
		assert.True(t, resp.Close)
		assertClosed(t, r)
	})

	t.Run("HTTP10", func(t *testing.T) {
		conn, r := dial(t, addr)
		_, err := io.WriteString(conn, "GET /hello HTTP/1.0\r\n\r\n")
		require.NoError(t, err)
		resp, body := readResponse(t, r, http.MethodGet)
		assert.Equal(t, "hello ", body)
		assert.Equal(t, 0, resp.ProtoMinor)
		assertClosed(t, r)
	})

	t.Run("HTTP10KeepAlive", func(t *testing.T) {
		conn, r := dial(t, addr)
		_, err := io.WriteString(conn, "GET /hello?name=1 HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		require.NoError(t, err)
		resp, _ := readResponse(t, r, http.MethodGet)
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))

		_, err = io.WriteString(conn, "GET /hello?name=2 HTTP/1.0\r\n\r\n")
		require.NoError(t, err)
		_, body := readResponse(t, r, http.MethodGet)
		assert.Equal(t, "hello 2", body)
	})

	t.Run("RequestedByHandler", func(t *testing.T) {
		conn, r := dial(t, addr)
		_, err := io.WriteString(conn, "GET /bye HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)
		_, body := readResponse(t, r, http.MethodGet)
		assert.Equal(t, "bye", body)
		assertClosed(t, r)
	})
}

func TestRejectedRequests(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux(), MaxHeaderBytes: 256, MaxBodyBytes: 16})

	tests := []struct {
		name    string
		request string
		status  int
	}{
		{"Malformed", "NOT A REQUEST\r\n\r\n", http.StatusBadRequest},
		{"HeaderTooLarge", "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 300) + "\r\n\r\n", http.StatusRequestEntityTooLarge},
		{"HeaderNeverEnds", "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 300), http.StatusRequestEntityTooLarge},
		{"BodyTooLarge", "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 17\r\n\r\n", http.StatusRequestEntityTooLarge},
		{"Chunked", "POST /echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n", http.StatusLengthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, r := dial(t, addr)
			_, err := io.WriteString(conn, tt.request)
			require.NoError(t, err)

			resp, _ := readResponse(t, r, http.MethodGet)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.True(t, resp.Close)
			assertClosed(t, r)
		})
	}
}

func TestResponseCharset(t *testing.T) {
	addr := startServer(t, Config{Handler: testMux(), ResponseCharset: "ISO-8859-1"})
	conn, r := dial(t, addr)

	_, err := io.WriteString(conn, "GET /cafe HTTP/1.1\r\nHost: x\r\n\r\nPOST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\n\xc3\xa9")
	require.NoError(t, err)

	resp, body := readResponse(t, r, http.MethodGet)
	assert.Equal(t, "text/plain; charset=iso-8859-1", resp.Header.Get("Content-Type"))
	assert.Equal(t, "caf\xe9", body)

	// binary bodies are left alone
	_, body = readResponse(t, r, http.MethodPost)
	assert.Equal(t, "\xc3\xa9", body)
}

func TestUnknownCharsetRejected(t *testing.T) {
	_, err := NewServer(Config{ResponseCharset: "no-such-charset"})
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.NotNil(t, c.Handler)
	assert.Equal(t, 64<<10, c.MaxHeaderBytes)
	assert.Equal(t, int64(10<<20), c.MaxBodyBytes)
	assert.Equal(t, 10*time.Second, c.HeaderTimeout)
	assert.Equal(t, 60*time.Second, c.KeepAliveTimeout)
}

func TestServeOverTLSFromStore(t *testing.T) {
	store := certstore.NewMemoryStore(certstore.Options{})
	addr := startServer(t, Config{Handler: testMux(), CertStore: store, Hostname: "localhost"})

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"},
		},
	}
	resp, err := client.Get("https://" + addr + "/hello?name=tls")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello tls", string(body))
	require.NotNil(t, resp.TLS)
	require.NotEmpty(t, resp.TLS.PeerCertificates)
	assert.Equal(t, "localhost", resp.TLS.PeerCertificates[0].DNSNames[0])
}
