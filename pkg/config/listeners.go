package config

import (
	"fmt"

	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/handler"
	"github.com/marmos91/dittosock/pkg/metrics"
	"github.com/marmos91/dittosock/pkg/protocol/httpproto"
	"github.com/marmos91/dittosock/pkg/protocol/mpx"
	"github.com/marmos91/dittosock/pkg/server"
)

// CreateListeners creates one listener per configured endpoint.
//
// http listeners serve server.StatusHandler; mpx listeners accept the
// channels of server.AcceptServices. TLS listeners take their certificate
// for cfg.TLS.Hostname from store, which may be nil when no listener uses
// TLS.
//
// Parameters:
//   - cfg: The complete configuration
//   - reg: Registry shared by all listeners
//   - store: Certificate store for TLS listeners
//   - m: Optional listener metrics (nil = no metrics)
//
// Returns:
//   - []*server.Listener: Listeners ready to be added to the server
//   - error: Any error during listener creation
func CreateListeners(cfg *Config, reg *handler.Registry, store certstore.Store, m metrics.ListenerMetrics) ([]*server.Listener, error) {
	listeners := make([]*server.Listener, 0, len(cfg.Listeners))

	for i := range cfg.Listeners {
		lc := &cfg.Listeners[i]

		factory, err := CreateFactory(cfg, lc, reg, store)
		if err != nil {
			return nil, fmt.Errorf("listeners[%d] %q: %w", i, lc.Name, err)
		}

		listeners = append(listeners, server.NewListener(server.ListenerConfig{
			Name:               lc.Name,
			Protocol:           lc.Protocol,
			Address:            lc.Address,
			Port:               lc.Port,
			MaxConnections:     lc.MaxConnections,
			AcceptRate:         lc.AcceptRate,
			AcceptBurst:        lc.AcceptBurst,
			NoDelay:            lc.NoDelay,
			ReadBuffer:         lc.ReadBuffer,
			WriteBuffer:        lc.WriteBuffer,
			ShutdownTimeout:    cfg.Server.ShutdownTimeout,
			MetricsLogInterval: cfg.Server.MetricsLogInterval,
		}, reg, factory, m))
	}

	if len(listeners) == 0 {
		return nil, fmt.Errorf("no listeners configured")
	}
	return listeners, nil
}

// CreateFactory builds the per-connection protocol factory of one listener.
func CreateFactory(cfg *Config, lc *ListenerConfig, reg *handler.Registry, store certstore.Store) (server.Factory, error) {
	switch lc.Protocol {
	case "http":
		hc := httpproto.Config{
			Handler:          server.StatusHandler(reg),
			MaxHeaderBytes:   lc.HTTP.MaxHeaderBytes,
			MaxBodyBytes:     lc.HTTP.MaxBodyBytes,
			HeaderTimeout:    lc.HTTP.HeaderTimeout,
			KeepAliveTimeout: lc.HTTP.KeepAliveTimeout,
			ResponseCharset:  lc.HTTP.ResponseCharset,
		}
		if lc.TLS {
			if store == nil {
				return nil, fmt.Errorf("tls enabled but no certificate store configured")
			}
			hc.CertStore = store
			hc.Hostname = cfg.TLS.Hostname
		}
		return httpproto.NewServer(hc)

	case "mpx":
		return mpx.NewServer(mpx.Config{
			Magic:            lc.MPX.Magic,
			HighWatermark:    lc.MPX.HighWatermark,
			LowWatermark:     lc.MPX.LowWatermark,
			MaxFrameSize:     lc.MPX.MaxFrameSize,
			HandshakeTimeout: lc.MPX.HandshakeTimeout,
			Accept:           server.AcceptServices,
		}), nil

	default:
		return nil, fmt.Errorf("unknown protocol: %q (supported: http, mpx)", lc.Protocol)
	}
}

// NeedsCertStore reports whether any listener runs TLS.
func NeedsCertStore(cfg *Config) bool {
	for _, l := range cfg.Listeners {
		if l.TLS {
			return true
		}
	}
	return false
}
