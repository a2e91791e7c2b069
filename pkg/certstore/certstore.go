// Package certstore provides TLS certificates to socket handlers.
//
// A Store returns the certificate for a host name, creating a self-signed
// one on first use. Stores are explicit values handed to whoever needs them;
// there is no process-wide certificate cache.
//
// # Implementations
//
//   - Memory: certificates live as long as the store.
//   - Badger: PEM bundles persisted in a BadgerDB directory.
//   - S3: PEM bundles persisted in an S3 (or S3-compatible) bucket, so every
//     instance of a deployment serves the same certificate.
//
// All implementations keep parsed certificates in memory and generate at
// most one certificate per host concurrently.
package certstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by backends for unknown hosts.
var ErrNotFound = errors.New("certificate not found")

// Store hands out certificates by host name.
type Store interface {
	// LoadOrCreate returns the certificate for host, generating and
	// persisting a self-signed one if none exists.
	LoadOrCreate(ctx context.Context, host string) (tls.Certificate, error)

	// Remove forgets the certificate for host.
	Remove(ctx context.Context, host string) error

	// Clear forgets every certificate.
	Clear(ctx context.Context) error
}

// Options controls certificate generation.
type Options struct {
	// Validity is how long generated certificates are valid.
	// Default: 365 days
	Validity time.Duration

	// Organization is written to the certificate subject.
	// Default: "DittoSock"
	Organization string
}

func (o *Options) applyDefaults() {
	if o.Validity <= 0 {
		o.Validity = 365 * 24 * time.Hour
	}
	if o.Organization == "" {
		o.Organization = "DittoSock"
	}
}

// backend persists PEM bundles. A nil backend keeps certificates in memory
// only.
type backend interface {
	get(ctx context.Context, host string) ([]byte, error)
	put(ctx context.Context, host string, bundle []byte) error
	delete(ctx context.Context, host string) error
	clear(ctx context.Context) error
}

// cachingStore implements Store over an optional backend.
type cachingStore struct {
	kind    string
	backend backend
	options Options

	mu    sync.RWMutex
	certs map[string]tls.Certificate
	group singleflight.Group
}

func newCachingStore(kind string, b backend, options Options) *cachingStore {
	options.applyDefaults()
	return &cachingStore{
		kind:    kind,
		backend: b,
		options: options,
		certs:   make(map[string]tls.Certificate),
	}
}

func normalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", errors.New("certstore: empty host name")
	}
	if strings.ContainsAny(host, "/\\ ") {
		return "", fmt.Errorf("certstore: invalid host name %q", host)
	}
	return host, nil
}

func (s *cachingStore) LoadOrCreate(ctx context.Context, host string) (tls.Certificate, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return tls.Certificate{}, err
	}

	s.mu.RLock()
	cert, ok := s.certs[host]
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}

	v, err, _ := s.group.Do(host, func() (any, error) {
		s.mu.RLock()
		cert, ok := s.certs[host]
		s.mu.RUnlock()
		if ok {
			return cert, nil
		}

		cert, err := s.load(ctx, host)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.certs[host] = cert
		s.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	return v.(tls.Certificate), nil
}

func (s *cachingStore) load(ctx context.Context, host string) (tls.Certificate, error) {
	if s.backend != nil {
		bundle, err := s.backend.get(ctx, host)
		switch {
		case err == nil:
			cert, err := ParseBundle(bundle)
			if err == nil {
				logger.Debug("certstore(%s): loaded certificate for %s", s.kind, host)
				return cert, nil
			}
			logger.Warn("certstore(%s): discarding unreadable certificate for %s: %v", s.kind, host, err)
		case !errors.Is(err, ErrNotFound):
			return tls.Certificate{}, fmt.Errorf("load certificate for %s: %w", host, err)
		}
	}

	cert, bundle, err := Generate(host, s.options)
	if err != nil {
		return tls.Certificate{}, err
	}
	if s.backend != nil {
		if err := s.backend.put(ctx, host, bundle); err != nil {
			return tls.Certificate{}, fmt.Errorf("store certificate for %s: %w", host, err)
		}
	}
	logger.Info("certstore(%s): generated self-signed certificate for %s", s.kind, host)
	return cert, nil
}

func (s *cachingStore) Remove(ctx context.Context, host string) error {
	host, err := normalizeHost(host)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.certs, host)
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.delete(ctx, host); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("remove certificate for %s: %w", host, err)
	}
	return nil
}

func (s *cachingStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	clear(s.certs)
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.clear(ctx); err != nil {
		return fmt.Errorf("clear certificates: %w", err)
	}
	return nil
}

// Len returns the number of cached certificates.
func (s *cachingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}
