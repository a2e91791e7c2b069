package config

import (
	"github.com/marmos91/dittosock/pkg/metrics"
	promMetrics "github.com/marmos91/dittosock/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// HandlerMetrics observes the socket handler registry (never nil)
	HandlerMetrics metrics.HandlerMetrics

	// PoolMetrics observes the fragment pool (never nil)
	PoolMetrics metrics.PoolMetrics

	// ListenerMetrics observes the accept loops (never nil)
	ListenerMetrics metrics.ListenerMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			HandlerMetrics:  metrics.NewNoopHandlerMetrics(),
			PoolMetrics:     metrics.NewNoopPoolMetrics(),
			ListenerMetrics: metrics.NewNoopListenerMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server:          metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}),
		HandlerMetrics:  promMetrics.NewHandlerMetrics(),
		PoolMetrics:     promMetrics.NewPoolMetrics(),
		ListenerMetrics: promMetrics.NewListenerMetrics(),
	}
}
