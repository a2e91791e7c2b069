// Package metrics observes socket handlers, fragment pools and listeners.
//
// Components take the interfaces declared here and never check whether
// metrics are on: when they are off they receive the no-op implementations,
// which cost a method call and nothing else. The Prometheus implementations
// live in the prometheus subpackage and register on the process-wide
// registry created by InitRegistry.
//
//	metrics.InitRegistry()
//	hm := prometheus.NewHandlerMetrics()
//	reg := handler.NewRegistry(cfg, hm)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime,
// process and build info collectors. Later calls do nothing.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
		registry = reg
	})
}

// GetRegistry returns the registry, or nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
