// Package server runs socket handler listeners.
//
// A Server owns one handler.Registry shared by every listener, a reaper
// that closes handlers whose stage timeout expired, and optionally the
// metrics HTTP server. All of them run in one errgroup: the first failure
// cancels the rest.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Config holds the server-wide settings.
type Config struct {
	// ReapInterval is how often timed-out handlers are closed.
	// Default: 1s
	ReapInterval time.Duration

	// ShutdownTimeout bounds the final cleanup after every listener
	// stopped. Default: 30s
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Server coordinates listeners sharing one handler registry.
//
// Lifecycle:
//  1. Creation: New with the registry
//  2. Registration: AddListener for each endpoint, SetMetricsServer
//  3. Startup: Serve blocks until ctx is cancelled or a component fails
//  4. Shutdown: listeners drain, then every remaining handler is closed
type Server struct {
	config   Config
	registry *handler.Registry

	mu            sync.RWMutex
	listeners     []*Listener
	metricsServer *metrics.Server
	served        bool
}

// New creates a server around reg.
func New(reg *handler.Registry, config Config) *Server {
	if reg == nil {
		panic("handler registry cannot be nil")
	}
	config.applyDefaults()
	return &Server{
		config:    config,
		registry:  reg,
		listeners: make([]*Listener, 0, 2),
	}
}

// Registry returns the handler registry shared by all listeners.
func (s *Server) Registry() *handler.Registry {
	return s.registry
}

// AddListener registers a listener. Names and non-zero ports must be
// unique.
//
// Panics if called after Serve.
func (s *Server) AddListener(l *Listener) error {
	if l == nil {
		panic("listener cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add listener after Serve() has been called")
	}

	for _, existing := range s.listeners {
		if existing.Name() == l.Name() {
			return fmt.Errorf("listener %q already registered", l.Name())
		}
		if l.Port() != 0 && existing.Port() == l.Port() {
			return fmt.Errorf("port %d already in use by listener %q", l.Port(), existing.Name())
		}
	}

	s.listeners = append(s.listeners, l)
	logger.Info("Registered %s listener %q on port %d", l.Protocol(), l.Name(), l.Port())
	return nil
}

// SetMetricsServer runs m alongside the listeners.
func (s *Server) SetMetricsServer(m *metrics.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsServer = m
}

// Listeners returns a copy of the registered listeners.
func (s *Server) Listeners() []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// Serve runs every listener, the reaper, and the metrics server until ctx
// is cancelled or one of them fails. Serve may only be called once.
//
// Returns nil when ctx was cancelled and everything stopped cleanly,
// otherwise the first error.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return errors.New("no listeners registered; call AddListener() before Serve()")
	}
	listeners := make([]*Listener, len(s.listeners))
	copy(listeners, s.listeners)
	metricsServer := s.metricsServer
	s.mu.Unlock()

	logger.Info("Starting DittoSock with %d listener(s)", len(listeners))

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		g.Go(func() error {
			if err := l.Serve(gctx); err != nil {
				logger.Error("%s listener failed: %v", l.Name(), err)
				return fmt.Errorf("%s listener: %w", l.Name(), err)
			}
			logger.Debug("%s listener stopped", l.Name())
			return nil
		})
	}

	g.Go(func() error {
		s.reap(gctx)
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(gctx)
		})
	}

	err := g.Wait()

	logger.Debug("Closing %d remaining handler(s)", s.registry.Len())
	s.closeAll()

	if err != nil {
		return err
	}
	logger.Info("DittoSock stopped gracefully")
	return nil
}

// reap closes timed-out handlers every ReapInterval until ctx is done.
func (s *Server) reap(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.ReapTimedOut(); n > 0 {
				logger.Debug("Reaped %d timed-out handler(s)", n)
			}
		}
	}
}

// closeAll closes handlers the listeners do not own (MPX channels, dialed
// clients) and waits for them up to ShutdownTimeout.
func (s *Server) closeAll() {
	s.registry.CloseAll()

	deadline := time.Now().Add(s.config.ShutdownTimeout)
	for s.registry.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.registry.Len(); n > 0 {
		logger.Warn("%d handler(s) still closing after %v", n, s.config.ShutdownTimeout)
	}
}
