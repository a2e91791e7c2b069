package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, Validate(GetDefaultConfig()))
}

func TestValidate_LowercaseLogLevelAccepted(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "debug"

	assert.NoError(t, Validate(cfg))
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
		want   string
	}{
		{
			name:   "log level",
			mutate: func(cfg *Config) { cfg.Logging.Level = "TRACE" },
			want:   "oneof",
		},
		{
			name:   "log format",
			mutate: func(cfg *Config) { cfg.Logging.Format = "xml" },
			want:   "Format",
		},
		{
			name:   "zero shutdown timeout",
			mutate: func(cfg *Config) { cfg.Server.ShutdownTimeout = 0 },
			want:   "ShutdownTimeout",
		},
		{
			name:   "fragment size too small",
			mutate: func(cfg *Config) { cfg.Buffers.FragmentSize = 16 },
			want:   "min",
		},
		{
			name:   "unknown pool",
			mutate: func(cfg *Config) { cfg.Buffers.Pool = "arena" },
			want:   "Pool",
		},
		{
			name:   "bounded pool without free list",
			mutate: func(cfg *Config) { cfg.Buffers.Pool = "bounded"; cfg.Buffers.MaxFreeFragments = 0 },
			want:   "max_free_fragments",
		},
		{
			name:   "unknown cert store",
			mutate: func(cfg *Config) { cfg.TLS.Store.Type = "vault" },
			want:   "Type",
		},
		{
			name:   "no listeners",
			mutate: func(cfg *Config) { cfg.Listeners = nil },
			want:   "at least one listener",
		},
		{
			name:   "unknown protocol",
			mutate: func(cfg *Config) { cfg.Listeners[0].Protocol = "ftp" },
			want:   "Protocol",
		},
		{
			name:   "port out of range",
			mutate: func(cfg *Config) { cfg.Listeners[0].Port = 70000 },
			want:   "max",
		},
		{
			name:   "negative max connections",
			mutate: func(cfg *Config) { cfg.Listeners[0].MaxConnections = -1 },
			want:   "MaxConnections",
		},
		{
			name:   "negative socket buffer",
			mutate: func(cfg *Config) { cfg.Listeners[0].WriteBuffer = -1 },
			want:   "WriteBuffer",
		},
		{
			name:   "duplicate name",
			mutate: func(cfg *Config) { cfg.Listeners[1].Name = cfg.Listeners[0].Name },
			want:   "duplicate listener name",
		},
		{
			name:   "duplicate port",
			mutate: func(cfg *Config) { cfg.Listeners[1].Port = cfg.Listeners[0].Port },
			want:   "already used",
		},
		{
			name:   "tls on mpx",
			mutate: func(cfg *Config) { cfg.Listeners[1].TLS = true },
			want:   "only supported for http",
		},
		{
			name:   "unknown charset",
			mutate: func(cfg *Config) { cfg.Listeners[0].HTTP.ResponseCharset = "no-such-charset" },
			want:   "response_charset",
		},
		{
			name:   "empty magic",
			mutate: func(cfg *Config) { cfg.Listeners[1].MPX.Magic = "" },
			want:   "magic",
		},
		{
			name:   "oversized magic",
			mutate: func(cfg *Config) { cfg.Listeners[1].MPX.Magic = "0123456789abcdefX" },
			want:   "magic",
		},
		{
			name: "inverted watermarks",
			mutate: func(cfg *Config) {
				cfg.Listeners[1].MPX.LowWatermark = cfg.Listeners[1].MPX.HighWatermark + 1
			},
			want: "low_watermark",
		},
		{
			name: "metrics port clash",
			mutate: func(cfg *Config) {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Port = cfg.Listeners[0].Port
			},
			want: "metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_EphemeralPortsMayRepeat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners[0].Port = 0
	cfg.Listeners[1].Port = 0

	assert.NoError(t, Validate(cfg))
}

func TestValidate_TLSOnHTTP(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners[0].TLS = true

	assert.NoError(t, Validate(cfg))
}

func TestValidate_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = cfg.Listeners[0].Port

	assert.NoError(t, Validate(cfg))
}
