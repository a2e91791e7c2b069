package config

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/marmos91/dittosock/pkg/bufpool"
	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAllocator_Sync(t *testing.T) {
	alloc, err := CreateAllocator(&BuffersConfig{FragmentSize: 1024, Pool: "sync"}, nil)
	require.NoError(t, err)

	pool, ok := alloc.(*bufpool.Pool)
	require.True(t, ok, "expected *bufpool.Pool, got %T", alloc)

	buf := pool.Get(1024)
	assert.Len(t, buf, 1024)
	pool.Put(buf)
}

func TestCreateAllocator_Bounded(t *testing.T) {
	alloc, err := CreateAllocator(&BuffersConfig{FragmentSize: 512, Pool: "bounded", MaxFreeFragments: 4}, nil)
	require.NoError(t, err)

	pool, ok := alloc.(*bufpool.BoundedPool)
	require.True(t, ok, "expected *bufpool.BoundedPool, got %T", alloc)
	assert.Equal(t, 512, pool.Width())
}

func TestCreateAllocator_Instrumented(t *testing.T) {
	alloc, err := CreateAllocator(&BuffersConfig{FragmentSize: 256, Pool: "sync"}, metrics.NewNoopPoolMetrics())
	require.NoError(t, err)

	_, plain := alloc.(*bufpool.Pool)
	assert.False(t, plain, "metrics should wrap the pool")

	buf := alloc.Get(100)
	assert.Len(t, buf, 100)
	alloc.Put(buf)
}

func TestCreateAllocator_UnknownPool(t *testing.T) {
	_, err := CreateAllocator(&BuffersConfig{FragmentSize: 256, Pool: "arena"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown buffer pool")
}

func TestCreateCertStore_Memory(t *testing.T) {
	store, err := CreateCertStore(context.Background(), &CertStoreConfig{
		Type:   "memory",
		Memory: map[string]any{"validity": "24h", "organization": "Test"},
	})
	require.NoError(t, err)

	cert, err := store.LoadOrCreate(context.Background(), "localhost")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"Test"}, cert.Leaf.Subject.Organization)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), cert.Leaf.NotAfter, time.Hour)
}

func TestCreateCertStore_MemoryBadOption(t *testing.T) {
	_, err := CreateCertStore(context.Background(), &CertStoreConfig{
		Type:   "memory",
		Memory: map[string]any{"validity": "forever"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")
}

func TestCreateCertStore_BadgerInMemory(t *testing.T) {
	store, err := CreateCertStore(context.Background(), &CertStoreConfig{
		Type:   "badger",
		Badger: map[string]any{"in_memory": true},
	})
	require.NoError(t, err)

	closer, ok := store.(io.Closer)
	require.True(t, ok, "badger store should be closable")
	defer closer.Close()

	first, err := store.LoadOrCreate(context.Background(), "example.test")
	require.NoError(t, err)
	second, err := store.LoadOrCreate(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}

func TestCreateCertStore_BadgerDirectory(t *testing.T) {
	store, err := CreateCertStore(context.Background(), &CertStoreConfig{
		Type:   "badger",
		Badger: map[string]any{"db_path": t.TempDir()},
	})
	require.NoError(t, err)
	require.NoError(t, store.(io.Closer).Close())
}

func TestCreateCertStore_BadgerMissingPath(t *testing.T) {
	_, err := CreateCertStore(context.Background(), &CertStoreConfig{
		Type:   "badger",
		Badger: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db_path is required")
}

func TestCreateCertStore_S3MissingSettings(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
		want    string
	}{
		{"bucket", map[string]any{"region": "us-east-1"}, "bucket is required"},
		{"region", map[string]any{"bucket": "certs"}, "region is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateCertStore(context.Background(), &CertStoreConfig{Type: "s3", S3: tt.options})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCreateCertStore_UnknownType(t *testing.T) {
	_, err := CreateCertStore(context.Background(), &CertStoreConfig{Type: "vault"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown certificate store type")
}

func TestCreateCertStore_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CreateCertStore(ctx, &CertStoreConfig{Type: "memory"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCreateListeners(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.ShutdownTimeout = time.Second

	alloc, err := CreateAllocator(&cfg.Buffers, nil)
	require.NoError(t, err)
	reg := CreateRegistry(cfg, alloc, nil)

	listeners, err := CreateListeners(cfg, reg, nil, nil)
	require.NoError(t, err)
	require.Len(t, listeners, 2)

	assert.Equal(t, "http", listeners[0].Name())
	assert.Equal(t, "http", listeners[0].Protocol())
	assert.Equal(t, 8080, listeners[0].Port())
	assert.Equal(t, "mpx", listeners[1].Name())
	assert.Equal(t, 7070, listeners[1].Port())
}

func TestCreateListeners_TLSRequiresStore(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners[0].TLS = true
	require.True(t, NeedsCertStore(cfg))

	alloc, err := CreateAllocator(&cfg.Buffers, nil)
	require.NoError(t, err)
	reg := CreateRegistry(cfg, alloc, nil)

	_, err = CreateListeners(cfg, reg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificate store")

	listeners, err := CreateListeners(cfg, reg, certstore.NewMemoryStore(certstore.Options{}), nil)
	require.NoError(t, err)
	assert.Len(t, listeners, 2)
}

func TestCreateFactory_UnknownProtocol(t *testing.T) {
	cfg := GetDefaultConfig()
	lc := &ListenerConfig{Name: "x", Protocol: "gopher"}

	_, err := CreateFactory(cfg, lc, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown protocol")
}

func TestNeedsCertStore(t *testing.T) {
	assert.False(t, NeedsCertStore(GetDefaultConfig()))
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig())

	assert.Nil(t, result.Server)
	assert.NotNil(t, result.HandlerMetrics)
	assert.NotNil(t, result.PoolMetrics)
	assert.NotNil(t, result.ListenerMetrics)
}
