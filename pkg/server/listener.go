package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/internal/ratelimiter"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/metrics"
)

// Factory creates the protocol state for one accepted connection.
type Factory interface {
	NewProtocol() handler.Protocol
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() handler.Protocol

func (f FactoryFunc) NewProtocol() handler.Protocol {
	return f()
}

// ListenerConfig holds configuration parameters for one listener.
//
// Default values (applied by NewListener if zero):
//   - Protocol: "tcp" (used as the handler name)
//   - MaxConnections: 0 (unlimited)
//   - AcceptRate: 0 (unlimited)
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 0 (disabled)
type ListenerConfig struct {
	// Name identifies the listener in logs and metrics.
	Name string

	// Protocol names the handlers created for accepted connections.
	Protocol string

	// Address is the interface to bind; empty binds all of them.
	Address string

	// Port is the TCP port. 0 lets the kernel pick one; see Addr.
	Port int

	// MaxConnections limits concurrent connections. When reached, accepting
	// pauses until a connection closes. 0 means unlimited.
	MaxConnections int

	// AcceptRate limits accepted connections per second, with bursts of
	// AcceptBurst. 0 means unlimited.
	AcceptRate  float64
	AcceptBurst int

	// NoDelay sets TCP_NODELAY on accepted connections. nil keeps the Go
	// default (enabled).
	NoDelay *bool

	// ReadBuffer and WriteBuffer set the kernel socket buffer sizes of
	// accepted connections. 0 keeps the system default.
	ReadBuffer  int
	WriteBuffer int

	// ShutdownTimeout is how long graceful shutdown waits for connections
	// before closing them.
	ShutdownTimeout time.Duration

	// MetricsLogInterval is the interval at which the connection count is
	// logged. 0 disables it.
	MetricsLogInterval time.Duration
}

func (c *ListenerConfig) applyDefaults() {
	if c.Protocol == "" {
		c.Protocol = "tcp"
	}
	if c.Name == "" {
		c.Name = c.Protocol
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *ListenerConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("invalid AcceptRate %v: must be >= 0", c.AcceptRate)
	}
	if c.ReadBuffer < 0 || c.WriteBuffer < 0 {
		return fmt.Errorf("invalid socket buffers %d/%d: must be >= 0", c.ReadBuffer, c.WriteBuffer)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// Listener accepts TCP connections and attaches each to a socket handler
// in the shared registry.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. Wait for the listener's handlers to close (up to ShutdownTimeout)
//  4. Close any remaining handlers after timeout
//
// All methods are safe for concurrent use.
type Listener struct {
	config   ListenerConfig
	registry *handler.Registry
	factory  Factory
	metrics  metrics.ListenerMetrics
	limiter  *ratelimiter.RateLimiter

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// activeConns counts handlers that have not closed yet
	activeConns sync.WaitGroup
	connCount   atomic.Int32

	// connSemaphore is nil when MaxConnections is 0
	connSemaphore chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	// shutdownCtx is cancelled during shutdown to abort a throttled accept
	shutdownCtx    context.Context
	cancelAccepts  context.CancelFunc
	activeHandlers sync.Map // handler.ID -> *handler.Handler
}

// NewListener creates a listener in a stopped state. Call Serve to start
// accepting.
//
// Panics if config validation fails.
func NewListener(config ListenerConfig, reg *handler.Registry, factory Factory, m metrics.ListenerMetrics) *Listener {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid listener config: %v", err))
	}
	if reg == nil || factory == nil {
		panic("listener needs a registry and a factory")
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("%s connection limit: %d", config.Name, config.MaxConnections)
	} else {
		logger.Debug("%s connection limit: unlimited", config.Name)
	}

	if m == nil {
		m = metrics.NewNoopListenerMetrics()
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	return &Listener{
		config:        config,
		registry:      reg,
		factory:       factory,
		metrics:       m,
		limiter:       ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		ready:         make(chan struct{}),
		connSemaphore: connSemaphore,
		shutdown:      make(chan struct{}),
		shutdownCtx:   shutdownCtx,
		cancelAccepts: cancel,
	}
}

// Serve listens on the configured address and blocks until ctx is
// cancelled, Stop is called, or the listener cannot be opened.
//
// Returns nil on graceful shutdown, or an error if the listener failed to
// start or connections had to be force-closed.
func (l *Listener) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(l.config.Address, strconv.Itoa(l.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create %s listener on %s: %w", l.config.Name, addr, err)
	}

	l.mu.Lock()
	select {
	case <-l.shutdown:
		// Stop won the race
		l.mu.Unlock()
		_ = ln.Close()
		return nil
	default:
	}
	l.listener = ln
	close(l.ready)
	l.mu.Unlock()
	logger.Info("%s listener (%s) on %s", l.config.Name, l.config.Protocol, ln.Addr())
	logger.Debug("%s config: max_connections=%d accept_rate=%v accept_burst=%d",
		l.config.Name, l.config.MaxConnections, l.config.AcceptRate, l.config.AcceptBurst)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("%s shutdown signal received: %v", l.config.Name, ctx.Err())
			l.initiateShutdown()
		case <-l.shutdown:
		}
	}()

	if l.config.MetricsLogInterval > 0 {
		go l.logMetrics(ctx)
	}

	for {
		if l.connSemaphore != nil {
			select {
			case l.connSemaphore <- struct{}{}:
			case <-l.shutdown:
				return l.gracefulShutdown()
			}
		}

		if err := l.limiter.Wait(l.shutdownCtx); err != nil {
			l.release()
			return l.gracefulShutdown()
		}

		conn, err := ln.Accept()
		if err != nil {
			l.release()

			select {
			case <-l.shutdown:
				return l.gracefulShutdown()
			default:
				// Common causes: resource exhaustion, network issues
				logger.Debug("Error accepting %s connection: %v", l.config.Name, err)
				continue
			}
		}

		l.attach(conn)
	}
}

// attach hands conn to a new handler and tracks it until it closes.
func (l *Listener) attach(conn net.Conn) {
	select {
	case <-l.shutdown:
		l.metrics.RecordConnectionRejected(l.config.Name)
		_ = conn.Close()
		l.release()
		return
	default:
	}

	l.activeConns.Add(1)
	current := l.connCount.Add(1)

	h := l.registry.Attach(conn, l.factory.NewProtocol(), l.config.Protocol)
	l.activeHandlers.Store(h.ID(), h)
	l.applySocketOptions(h)

	l.metrics.RecordConnectionAccepted(l.config.Name)
	l.metrics.SetActiveConnections(l.config.Name, current)
	logger.Debug("%s connection %d accepted from %s (active: %d)",
		l.config.Name, h.ID(), conn.RemoteAddr(), current)

	go func() {
		<-h.Done()

		l.activeHandlers.Delete(h.ID())
		l.activeConns.Done()
		current := l.connCount.Add(-1)
		l.release()

		l.metrics.RecordConnectionClosed(l.config.Name)
		l.metrics.SetActiveConnections(l.config.Name, current)
		logger.Debug("%s connection %d closed (active: %d)", l.config.Name, h.ID(), current)
	}()

	h.Start(handler.ActionInitialize)
}

// applySocketOptions configures the accepted socket. Failures are logged;
// the connection is still served.
func (l *Listener) applySocketOptions(h *handler.Handler) {
	t := h.Transport()
	if l.config.NoDelay != nil {
		if err := t.SetNoDelay(*l.config.NoDelay); err != nil {
			logger.Warn("%s connection %d: %v", l.config.Name, h.ID(), err)
		}
	}
	if err := t.SetBuffers(l.config.ReadBuffer, l.config.WriteBuffer); err != nil {
		logger.Warn("%s connection %d: %v", l.config.Name, h.ID(), err)
	}
}

func (l *Listener) release() {
	if l.connSemaphore != nil {
		<-l.connSemaphore
	}
}

// initiateShutdown closes the listening socket. Safe to call multiple times.
func (l *Listener) initiateShutdown() {
	l.shutdownOnce.Do(func() {
		logger.Debug("%s shutdown initiated", l.config.Name)
		l.mu.Lock()
		close(l.shutdown)
		ln := l.listener
		l.mu.Unlock()
		l.cancelAccepts()

		if ln != nil {
			if err := ln.Close(); err != nil {
				logger.Debug("Error closing %s listener: %v", l.config.Name, err)
			}
		}
	})
}

// gracefulShutdown waits for active connections to close or the shutdown
// timeout to pass, then closes what is left.
func (l *Listener) gracefulShutdown() error {
	activeCount := l.connCount.Load()
	logger.Info("%s graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		l.config.Name, activeCount, l.config.ShutdownTimeout)

	if l.wait(l.config.ShutdownTimeout) {
		logger.Info("%s graceful shutdown complete: all connections closed", l.config.Name)
		return nil
	}

	remaining := l.connCount.Load()
	logger.Warn("%s shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
		l.config.Name, remaining, l.config.ShutdownTimeout)

	l.forceCloseConnections()
	return fmt.Errorf("%s shutdown timeout: %d connections force-closed", l.config.Name, remaining)
}

// wait reports whether every handler closed within timeout.
func (l *Listener) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// forceCloseConnections closes every handler still owned by the listener.
func (l *Listener) forceCloseConnections() {
	closed := 0
	l.activeHandlers.Range(func(key, value any) bool {
		h := value.(*handler.Handler)
		h.Close()
		l.metrics.RecordConnectionForceClosed(l.config.Name)
		closed++
		return true
	})

	if closed > 0 {
		logger.Info("Force-closed %d %s connection(s)", closed, l.config.Name)
	}
}

// Stop initiates graceful shutdown and waits until the listener's
// connections closed or ctx is done. Safe to call concurrently with Serve.
func (l *Listener) Stop(ctx context.Context) error {
	l.initiateShutdown()

	done := make(chan struct{})
	go func() {
		l.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		remaining := l.connCount.Load()
		logger.Warn("%s shutdown context cancelled: %d connection(s) still active: %v",
			l.config.Name, remaining, ctx.Err())
		return ctx.Err()
	}
}

func (l *Listener) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(l.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("%s metrics: active_connections=%d", l.config.Name, l.connCount.Load())
		}
	}
}

// Ready is closed once the listening socket is open.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Serve opened the socket.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ActiveConnections returns the number of open connections.
func (l *Listener) ActiveConnections() int32 {
	return l.connCount.Load()
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.config.Name
}

// Protocol returns the protocol name of the listener's handlers.
func (l *Listener) Protocol() string {
	return l.config.Protocol
}

// Port returns the configured port (0 when the kernel picks one).
func (l *Listener) Port() int {
	return l.config.Port
}
