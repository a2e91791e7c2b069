package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoSock configuration.
//
// This structure captures all configurable aspects of the server:
//   - Logging configuration
//   - Server-wide settings (shutdown, timeout reaper)
//   - Buffer fragment pool selection
//   - Socket handler defaults
//   - TLS certificate store selection and configuration (store-specific)
//   - Listener definitions (one per protocol endpoint)
//   - Metrics exposition
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOSOCK_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each certificate store implementation reads its own options from a
// type-specific map (e.g., tls.store.badger, tls.store.s3) and only the map
// matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Buffers selects the fragment pool backing every handler buffer
	Buffers BuffersConfig `mapstructure:"buffers" yaml:"buffers"`

	// Handlers holds defaults applied to every socket handler
	Handlers HandlersConfig `mapstructure:"handlers" yaml:"handlers"`

	// TLS selects the certificate store used by TLS listeners
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Listeners defines the endpoints the server accepts connections on
	Listeners []ListenerConfig `mapstructure:"listeners" yaml:"listeners" validate:"dive"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// ReapInterval is how often handlers past their stage timeout are closed
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval" validate:"required,gt=0"`

	// MetricsLogInterval is the interval at which connection counts are
	// logged. 0 disables periodic logging.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`
}

// BuffersConfig selects where buffer fragments come from.
type BuffersConfig struct {
	// FragmentSize is the size of each rx/tx buffer fragment in bytes
	FragmentSize int `mapstructure:"fragment_size" yaml:"fragment_size" validate:"required,min=64,max=16777216"`

	// Pool selects the fragment pool implementation
	// Valid values: sync (tiered sync.Pool), bounded (fixed free list)
	Pool string `mapstructure:"pool" yaml:"pool" validate:"required,oneof=sync bounded"`

	// MaxFreeFragments bounds the free list of the bounded pool
	// Only used when Pool = "bounded"
	MaxFreeFragments int `mapstructure:"max_free_fragments" yaml:"max_free_fragments" validate:"min=0"`
}

// HandlersConfig holds the defaults applied to every socket handler.
type HandlersConfig struct {
	// PollInterval is the delay before a polling handler is called again
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"required,gt=0"`

	// MaxCaptureQueue bounds the pending capture requests per socket
	MaxCaptureQueue int `mapstructure:"max_capture_queue" yaml:"max_capture_queue" validate:"required,gt=0"`

	// InitialTimeout is the stage timeout new handlers start with.
	// 0 leaves it to the protocol.
	InitialTimeout time.Duration `mapstructure:"initial_timeout" yaml:"initial_timeout" validate:"min=0"`
}

// TLSConfig selects the certificate store for TLS listeners.
type TLSConfig struct {
	// Hostname is the certificate host name TLS listeners present
	Hostname string `mapstructure:"hostname" yaml:"hostname" validate:"required"`

	// Store specifies the certificate store type and type-specific configuration
	Store CertStoreConfig `mapstructure:"store" yaml:"store"`
}

// CertStoreConfig specifies certificate store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type CertStoreConfig struct {
	// Type specifies which certificate store implementation to use
	// Valid values: memory, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger s3"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// ListenerConfig defines a single listening endpoint.
type ListenerConfig struct {
	// Name identifies the listener in logs and metrics
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Protocol selects what runs on accepted connections
	// Valid values: http, mpx
	Protocol string `mapstructure:"protocol" yaml:"protocol" validate:"required,oneof=http mpx"`

	// Address is the interface to bind. Empty binds all interfaces.
	Address string `mapstructure:"address" yaml:"address"`

	// Port is the TCP port. 0 picks a free port.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// TLS runs a server handshake with a certificate from the TLS store
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// MaxConnections limits concurrent connections. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"min=0"`

	// AcceptRate limits accepted connections per second. 0 means unlimited.
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate" validate:"min=0"`

	// AcceptBurst is the number of connections accepted back to back
	// before AcceptRate applies
	AcceptBurst int `mapstructure:"accept_burst" yaml:"accept_burst" validate:"min=0"`

	// NoDelay toggles TCP_NODELAY on accepted sockets. Unset keeps it enabled.
	NoDelay *bool `mapstructure:"no_delay" yaml:"no_delay,omitempty"`

	// ReadBuffer and WriteBuffer size the kernel socket buffers. 0 keeps
	// the system default.
	ReadBuffer  int `mapstructure:"read_buffer" yaml:"read_buffer" validate:"min=0"`
	WriteBuffer int `mapstructure:"write_buffer" yaml:"write_buffer" validate:"min=0"`

	// HTTP contains http-specific settings
	// Only used when Protocol = "http"
	HTTP HTTPListenerConfig `mapstructure:"http" yaml:"http"`

	// MPX contains mpx-specific settings
	// Only used when Protocol = "mpx"
	MPX MPXListenerConfig `mapstructure:"mpx" yaml:"mpx"`
}

// HTTPListenerConfig holds the HTTP connection limits.
type HTTPListenerConfig struct {
	HeaderTimeout    time.Duration `mapstructure:"header_timeout" yaml:"header_timeout" validate:"min=0"`
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout" validate:"min=0"`
	MaxHeaderBytes   int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes" validate:"min=0"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"min=0"`

	// ResponseCharset transcodes text/* responses into an IANA charset
	ResponseCharset string `mapstructure:"response_charset" yaml:"response_charset"`
}

// MPXListenerConfig holds the multiplexer settings.
type MPXListenerConfig struct {
	Magic            string        `mapstructure:"magic" yaml:"magic"`
	HighWatermark    int           `mapstructure:"high_watermark" yaml:"high_watermark" validate:"min=0"`
	LowWatermark     int           `mapstructure:"low_watermark" yaml:"low_watermark" validate:"min=0"`
	MaxFrameSize     int           `mapstructure:"max_frame_size" yaml:"max_frame_size" validate:"min=0"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" validate:"min=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the port of the metrics HTTP server
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOSOCK_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOSOCK_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOSOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings that may come from the environment alone.
var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"server.shutdown_timeout", "server.reap_interval", "server.metrics_log_interval",
	"buffers.fragment_size", "buffers.pool", "buffers.max_free_fragments",
	"handlers.poll_interval", "handlers.max_capture_queue", "handlers.initial_timeout",
	"tls.hostname", "tls.store.type",
	"metrics.enabled", "metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittosock")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittosock")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
