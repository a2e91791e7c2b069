package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyBuffersDefaults(&cfg.Buffers)
	applyHandlersDefaults(&cfg.Handlers)
	applyTLSDefaults(&cfg.TLS)

	// Add a default listener if none configured
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []ListenerConfig{
			{Name: "http", Protocol: "http", Port: 8080},
		}
	}

	applyListenerDefaults(cfg.Listeners)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Second
	}
	// MetricsLogInterval defaults to 0 (disabled)
}

// applyBuffersDefaults sets fragment pool defaults.
func applyBuffersDefaults(cfg *BuffersConfig) {
	if cfg.FragmentSize == 0 {
		cfg.FragmentSize = 4096
	}
	if cfg.Pool == "" {
		cfg.Pool = "sync"
	}
	if cfg.Pool == "bounded" && cfg.MaxFreeFragments == 0 {
		cfg.MaxFreeFragments = 1024
	}
}

// applyHandlersDefaults sets socket handler defaults.
func applyHandlersDefaults(cfg *HandlersConfig) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxCaptureQueue == 0 {
		cfg.MaxCaptureQueue = 64
	}
	// InitialTimeout defaults to 0: protocols set their own stage timeouts
}

// applyTLSDefaults sets certificate store defaults.
func applyTLSDefaults(cfg *TLSConfig) {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}

	// Initialize maps if nil
	if cfg.Store.Memory == nil {
		cfg.Store.Memory = make(map[string]any)
	}
	if cfg.Store.Badger == nil {
		cfg.Store.Badger = make(map[string]any)
	}

	// Apply defaults for all store types (for config file generation)
	if _, ok := cfg.Store.Badger["db_path"]; !ok {
		cfg.Store.Badger["db_path"] = "/tmp/dittosock-certs"
	}
}

// applyListenerDefaults sets per-protocol listener defaults.
func applyListenerDefaults(listeners []ListenerConfig) {
	for i := range listeners {
		l := &listeners[i]

		l.Protocol = strings.ToLower(l.Protocol)

		// A burst below one would never let a connection through
		if l.AcceptRate > 0 && l.AcceptBurst == 0 {
			l.AcceptBurst = max(1, int(l.AcceptRate))
		}

		switch l.Protocol {
		case "http":
			applyHTTPDefaults(&l.HTTP)
		case "mpx":
			applyMPXDefaults(&l.MPX)
		}
	}
}

// applyHTTPDefaults sets HTTP listener defaults.
func applyHTTPDefaults(cfg *HTTPListenerConfig) {
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = 10 * time.Second
	}
	if cfg.KeepAliveTimeout == 0 {
		cfg.KeepAliveTimeout = 60 * time.Second
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = 64 << 10
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
}

// applyMPXDefaults sets multiplexer listener defaults.
func applyMPXDefaults(cfg *MPXListenerConfig) {
	if cfg.Magic == "" {
		cfg.Magic = "MPX1"
	}
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = 256 << 10
	}
	if cfg.LowWatermark == 0 {
		cfg.LowWatermark = cfg.HighWatermark / 4
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 64 << 10
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Listeners: []ListenerConfig{
			{Name: "http", Protocol: "http", Port: 8080},
			{Name: "mpx", Protocol: "mpx", Port: 7070, MaxConnections: 1000},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
