package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/marmos91/dittosock/pkg/dynbuf"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/protocol/mpx"
)

// HandlerInfo is one entry of the /handlers listing.
type HandlerInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Polling  string `json:"polling"`
	Remote   string `json:"remote,omitempty"`
	TLS      bool   `json:"tls"`
	Captured bool   `json:"captured"`
	CaptureQ int    `json:"capture_queue"`
}

// StatusHandler serves the built-in endpoints of http listeners:
//
//   - GET /healthz: liveness probe
//   - GET /handlers: JSON list of live handlers
//   - POST /echo: replies with the request body
func StatusHandler(reg *handler.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("/handlers", func(w http.ResponseWriter, r *http.Request) {
		infos := Snapshot(reg)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(infos)
	})

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			w.Header().Set("Allow", "POST, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		_, _ = io.Copy(w, r.Body)
	})

	return mux
}

// Snapshot lists the live handlers of reg ordered by id. It only reads
// state that is safe to read from another handler's chain.
func Snapshot(reg *handler.Registry) []HandlerInfo {
	infos := make([]HandlerInfo, 0, reg.Len())
	reg.Range(func(h *handler.Handler) bool {
		info := HandlerInfo{
			ID:       uint64(h.ID()),
			Name:     h.Name(),
			State:    h.State().String(),
			Polling:  h.PollingState().String(),
			TLS:      h.TLSStarted(),
			Captured: h.Captured(),
			CaptureQ: h.CaptureQueueLen(),
		}
		if t := h.Transport(); t != nil {
			info.Remote = t.RemoteAddr().String()
		}
		infos = append(infos, info)
		return true
	})

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// EchoChannel is an MPX channel that sends back everything it receives.
type EchoChannel struct{}

func (EchoChannel) HandleOpen(ch *mpx.Channel, out *dynbuf.Buffer) {}

func (EchoChannel) HandleData(ch *mpx.Channel, in, out *dynbuf.Buffer) error {
	in.MoveAllTo(out)
	return nil
}

func (EchoChannel) HandleClose(ch *mpx.Channel) {}

// AcceptServices is the channel table of mpx listeners: "echo" is served
// by EchoChannel, anything else is refused.
func AcceptServices(name string) mpx.ChannelHandler {
	switch name {
	case "echo":
		return EchoChannel{}
	default:
		return nil
	}
}
