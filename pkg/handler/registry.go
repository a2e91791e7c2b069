package handler

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/bufpool"
	"github.com/marmos91/dittosock/pkg/dynbuf"
	"github.com/marmos91/dittosock/pkg/metrics"
)

// ID identifies a handler inside its Registry. IDs are never reused.
type ID uint64

// Config holds the defaults applied to handlers created by a Registry.
type Config struct {
	// FragmentSize is the fragment size of each handler's rx and tx buffers.
	// Default: 4096
	FragmentSize int

	// Allocator supplies buffer fragments. Default: the package-level bufpool.
	Allocator bufpool.Allocator

	// PollInterval is the delay before a polling handler is called again.
	// Default: 500ms
	PollInterval time.Duration

	// MaxCaptureQueue bounds the pending capture requests per socket.
	// Default: 64
	MaxCaptureQueue int

	// InitialTimeout is the stage timeout a new handler starts with. Zero
	// disables it until the protocol sets one.
	InitialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FragmentSize <= 0 {
		c.FragmentSize = dynbuf.DefaultFragmentSize
	}
	if c.Allocator == nil {
		c.Allocator = bufpool.Default()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxCaptureQueue <= 0 {
		c.MaxCaptureQueue = 64
	}
}

// Registry is the arena that owns handlers. Relations between handlers
// (capture, parent and child) are stored as IDs and resolved through it, so
// a closed handler is simply absent instead of being kept alive by
// references.
type Registry struct {
	config  Config
	metrics metrics.HandlerMetrics

	nextID atomic.Uint64

	mu       sync.RWMutex
	handlers map[ID]*Handler

	// controlMu guards every handler's socket field, so parent/child swaps
	// are atomic with respect to the chains reading them.
	controlMu sync.Mutex

	signals *signalTable
}

// NewRegistry creates an empty registry. A nil m disables metrics.
func NewRegistry(config Config, m metrics.HandlerMetrics) *Registry {
	config.applyDefaults()
	if m == nil {
		m = metrics.NewNoopHandlerMetrics()
	}
	return &Registry{
		config:   config,
		metrics:  m,
		handlers: make(map[ID]*Handler),
		signals:  newSignalTable(),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Register creates an idle handler without a socket. Such handlers act
// through captures, take over sockets from a parent, or Dial.
func (r *Registry) Register(p Protocol, name string) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		id:       ID(r.nextID.Add(1)),
		registry: r,
		protocol: p,
		name:     name,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		openedAt: time.Now(),
		sock: socket{
			rx: dynbuf.New(r.config.Allocator, r.config.FragmentSize),
			tx: dynbuf.New(r.config.Allocator, r.config.FragmentSize),
		},
	}
	h.session.Store(uuid.New())
	h.pollInterval.Store(int64(r.config.PollInterval))
	h.SetStageTimeout(r.config.InitialTimeout, true)

	r.mu.Lock()
	r.handlers[h.id] = h
	r.mu.Unlock()

	r.metrics.RecordHandlerOpened(name)
	logger.Debug("handler %d (%s): registered session=%s", h.id, name, h.Session())
	return h
}

// Attach registers a handler owning conn. Call Start(ActionInitialize) to
// begin its chain.
func (r *Registry) Attach(conn net.Conn, p Protocol, name string) *Handler {
	h := r.Register(p, name)
	h.sock.transport = NewTransport(conn)
	return h
}

// Dial registers a client handler and starts it with ActionConnect; the
// protocol receives EventConnect with the dial result.
func (r *Registry) Dial(network, address string, p Protocol, name string) *Handler {
	h := r.Register(p, name)
	h.dialNetwork, h.dialAddress = network, address
	h.Start(ActionConnect)
	return h
}

// Lookup returns the live handler with id, or nil.
func (r *Registry) Lookup(id ID) *Handler {
	if id == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[id]
}

// Unregister closes the handler with id. Its cleanup removes it from the
// registry.
func (r *Registry) Unregister(id ID) {
	if h := r.Lookup(id); h != nil {
		h.Close()
	}
}

// Len returns the number of live handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Range calls fn for a snapshot of the live handlers until fn returns false.
func (r *Registry) Range(fn func(h *Handler) bool) {
	r.mu.RLock()
	snapshot := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		snapshot = append(snapshot, h)
	}
	r.mu.RUnlock()

	for _, h := range snapshot {
		if !fn(h) {
			return
		}
	}
}

// ReapTimedOut closes every handler whose stage timed out and returns how
// many were closed. Handlers that handed their socket to a child are judged
// by the child.
func (r *Registry) ReapTimedOut() int {
	reaped := 0
	r.Range(func(h *Handler) bool {
		if h.Child() != nil {
			return true
		}
		if h.State() < StateClosing && h.IsTimedOut() {
			logger.Debug("handler %d (%s): stage timed out after %v", h.id, h.name, h.StageTimeout())
			r.metrics.RecordTimeout()
			h.Close()
			reaped++
		}
		return true
	})
	return reaped
}

// CloseAll closes every live handler.
func (r *Registry) CloseAll() {
	r.Range(func(h *Handler) bool {
		h.Close()
		return true
	})
}

func (r *Registry) remove(h *Handler) {
	r.mu.Lock()
	delete(r.handlers, h.id)
	r.mu.Unlock()
}
