package config

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/bufpool"
	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/metrics"
	"github.com/mitchellh/mapstructure"
)

// CreateAllocator creates the fragment pool selected by cfg.Pool.
//
// Supported pools:
//   - "sync": tiered sync.Pool whose small class is the fragment size
//   - "bounded": fixed-width fragments with at most MaxFreeFragments idle
//
// The result is wrapped with m when m is non-nil.
func CreateAllocator(cfg *BuffersConfig, m metrics.PoolMetrics) (bufpool.Allocator, error) {
	var alloc bufpool.Allocator

	switch cfg.Pool {
	case "sync":
		alloc = bufpool.NewPool(&bufpool.Config{SmallSize: cfg.FragmentSize})
	case "bounded":
		alloc = bufpool.NewBoundedPool(cfg.MaxFreeFragments, cfg.FragmentSize)
	default:
		return nil, fmt.Errorf("unknown buffer pool: %q (supported: sync, bounded)", cfg.Pool)
	}

	logger.Debug("Buffer pool: %s, fragment_size=%d", cfg.Pool, cfg.FragmentSize)

	if m != nil {
		alloc = bufpool.Instrumented(alloc, m)
	}
	return alloc, nil
}

// CreateRegistry creates the handler registry every listener shares.
func CreateRegistry(cfg *Config, alloc bufpool.Allocator, m metrics.HandlerMetrics) *handler.Registry {
	return handler.NewRegistry(handler.Config{
		FragmentSize:    cfg.Buffers.FragmentSize,
		Allocator:       alloc,
		PollInterval:    cfg.Handlers.PollInterval,
		MaxCaptureQueue: cfg.Handlers.MaxCaptureQueue,
		InitialTimeout:  cfg.Handlers.InitialTimeout,
	}, m)
}

// CreateCertStore creates a certificate store based on configuration.
//
// This factory function uses the Type field to determine which store
// implementation to create, then decodes the type-specific configuration
// from the corresponding map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": certificates live as long as the process
//   - "badger": PEM bundles persisted in BadgerDB
//   - "s3": PEM bundles shared through a bucket
//
// Stores holding resources (badger) implement io.Closer.
func CreateCertStore(ctx context.Context, cfg *CertStoreConfig) (certstore.Store, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryCertStore(ctx, cfg.Memory)
	case "badger":
		return createBadgerCertStore(ctx, cfg.Badger)
	case "s3":
		return createS3CertStore(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown certificate store type: %q (supported: memory, badger, s3)", cfg.Type)
	}
}

// decodeOptions decodes a store map into out, accepting "720h" style
// durations.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

// createMemoryCertStore creates an in-memory certificate store.
func createMemoryCertStore(ctx context.Context, options map[string]any) (certstore.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Every store type accepts these generation settings
	type MemoryCertStoreOptions struct {
		Validity     time.Duration `mapstructure:"validity"`
		Organization string        `mapstructure:"organization"`
	}

	var storeOpts MemoryCertStoreOptions
	if err := decodeOptions(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode memory certificate store options: %w", err)
	}

	return certstore.NewMemoryStore(certstore.Options{
		Validity:     storeOpts.Validity,
		Organization: storeOpts.Organization,
	}), nil
}

// createBadgerCertStore creates a BadgerDB-backed certificate store.
func createBadgerCertStore(ctx context.Context, options map[string]any) (certstore.Store, error) {
	type BadgerCertStoreOptions struct {
		DBPath       string        `mapstructure:"db_path"`
		InMemory     bool          `mapstructure:"in_memory"`
		Validity     time.Duration `mapstructure:"validity"`
		Organization string        `mapstructure:"organization"`
	}

	var storeOpts BadgerCertStoreOptions
	if err := decodeOptions(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode badger certificate store options: %w", err)
	}

	if storeOpts.DBPath == "" && !storeOpts.InMemory {
		return nil, fmt.Errorf("badger certificate store: db_path is required")
	}

	store, err := certstore.NewBadgerStore(ctx, certstore.BadgerConfig{
		DBPath:   storeOpts.DBPath,
		InMemory: storeOpts.InMemory,
		Options:  certstore.Options{Validity: storeOpts.Validity, Organization: storeOpts.Organization},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger certificate store: %w", err)
	}

	logger.Info("Badger certificate store initialized: path=%s", storeOpts.DBPath)
	return store, nil
}

// createS3CertStore creates an S3-backed certificate store.
//
// Configuration (all optional except bucket and region):
//   - endpoint: custom endpoint for MinIO/Localstack (enables path-style)
//   - access_key_id, secret_access_key: static credentials, otherwise the
//     default AWS credential chain
//   - key_prefix: object key prefix, e.g. "dittosock/certs/"
//   - max_retries: retry attempts for transient failures (default 10)
func createS3CertStore(ctx context.Context, options map[string]any) (certstore.Store, error) {
	type S3CertStoreOptions struct {
		Endpoint        string        `mapstructure:"endpoint"`
		Region          string        `mapstructure:"region"`
		Bucket          string        `mapstructure:"bucket"`
		KeyPrefix       string        `mapstructure:"key_prefix"`
		AccessKeyID     string        `mapstructure:"access_key_id"`
		SecretAccessKey string        `mapstructure:"secret_access_key"`
		MaxRetries      int           `mapstructure:"max_retries"`
		Validity        time.Duration `mapstructure:"validity"`
		Organization    string        `mapstructure:"organization"`
	}

	var storeOpts S3CertStoreOptions
	if err := decodeOptions(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode s3 certificate store options: %w", err)
	}

	if storeOpts.Bucket == "" {
		return nil, fmt.Errorf("s3 certificate store: bucket is required")
	}
	if storeOpts.Region == "" {
		return nil, fmt.Errorf("s3 certificate store: region is required")
	}

	store, err := certstore.NewS3Store(ctx, certstore.S3Config{
		Bucket:          storeOpts.Bucket,
		KeyPrefix:       storeOpts.KeyPrefix,
		Region:          storeOpts.Region,
		Endpoint:        storeOpts.Endpoint,
		AccessKeyID:     storeOpts.AccessKeyID,
		SecretAccessKey: storeOpts.SecretAccessKey,
		MaxRetries:      storeOpts.MaxRetries,
		Options:         certstore.Options{Validity: storeOpts.Validity, Organization: storeOpts.Organization},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 certificate store: %w", err)
	}
	return store, nil
}
