package httpproto

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/dynbuf"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// responseWriter buffers the handler's output in a dynamic buffer so the
// Content-Length is known before anything is sent.
type responseWriter struct {
	header  http.Header
	body    *dynbuf.Buffer
	charset encoding.Encoding

	status      int
	wroteHeader bool
	written     int
}

func newResponseWriter(fragmentSize int, charset encoding.Encoding) *responseWriter {
	return &responseWriter{
		header:  make(http.Header),
		body:    dynbuf.New(nil, fragmentSize),
		charset: charset,
		status:  http.StatusOK,
	}
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	if !bodyAllowed(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	w.body.Add(p)
	w.written += len(p)
	return len(p), nil
}

func (w *responseWriter) closeRequested() bool {
	return strings.EqualFold(w.header.Get("Connection"), "close")
}

// finish serialises the status line, headers and body into tx.
func (w *responseWriter) finish(tx *dynbuf.Buffer, req *http.Request, keepAlive bool) {
	defer w.body.Reset()

	if w.header.Get("Content-Type") == "" && w.body.Len() > 0 {
		w.header.Set("Content-Type", http.DetectContentType(w.body.Bytes(0, min(w.body.Len(), 512))))
	}
	if w.charset != nil {
		w.transcodeBody()
	}

	if !keepAlive || w.closeRequested() {
		w.header.Set("Connection", "close")
	} else if !req.ProtoAtLeast(1, 1) {
		w.header.Set("Connection", "keep-alive")
	}
	if bodyAllowed(w.status) {
		w.header.Set("Content-Length", strconv.Itoa(w.body.Len()))
	}
	if w.header.Get("Date") == "" {
		w.header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	out := tx.Appender()
	fmt.Fprintf(out, "HTTP/%d.%d %03d %s\r\n", req.ProtoMajor, req.ProtoMinor, w.status, http.StatusText(w.status))
	_ = w.header.Write(out)
	tx.AddString("\r\n")

	if req.Method != http.MethodHead {
		w.body.MoveAllTo(tx)
	}
}

// transcodeBody re-encodes a UTF-8 text body into the configured charset
// and rewrites the charset parameter to match.
func (w *responseWriter) transcodeBody() {
	mediaType, params, err := mime.ParseMediaType(w.header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "text/") {
		return
	}
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
		return
	}

	name, err := ianaName(w.charset)
	if err != nil {
		logger.Debug("http: response charset has no IANA name: %v", err)
		return
	}

	converted := dynbuf.New(nil, w.body.FragmentSize())
	if _, err := w.body.MoveToTranscoded(converted, w.body.Len(), nil, w.charset); err != nil {
		// characters without a mapping: keep UTF-8
		logger.Debug("http: transcoding response to %s: %v", name, err)
		converted.Reset()
		return
	}
	w.body.Reset()
	w.body = converted

	params["charset"] = name
	w.header.Set("Content-Type", mime.FormatMediaType(mediaType, params))
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func ianaName(enc encoding.Encoding) (string, error) {
	name, err := ianaindex.MIME.Name(enc)
	if err != nil || name == "" {
		name, err = ianaindex.IANA.Name(enc)
	}
	return strings.ToLower(name), err
}
