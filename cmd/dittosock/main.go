package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittosock/internal/logger"
	"github.com/marmos91/dittosock/pkg/certstore"
	"github.com/marmos91/dittosock/pkg/config"
	"github.com/marmos91/dittosock/pkg/server"
)

const usage = `DittoSock - socket handler server

Usage:
  dittosock <command> [flags]

Commands:
  init     Write a sample configuration file
  start    Start the server

Run 'dittosock <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("config", "", "Where to write the file (default: $XDG_CONFIG_HOME/dittosock/config.yaml)")
	force := fs.Bool("force", false, "Overwrite an existing file")
	_ = fs.Parse(args)

	if *path == "" {
		written, err := config.InitConfig(*force)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", written)
		return nil
	}

	if err := config.InitConfigToPath(*path, *force); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", *path)
	return nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default: $XDG_CONFIG_HOME/dittosock/config.yaml)")
	logLevel := fs.String("log-level", "", "Override logging.level (DEBUG, INFO, WARN, ERROR)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return err
	}

	fmt.Println("DittoSock - socket handler server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := config.InitializeMetrics(cfg)

	alloc, err := config.CreateAllocator(&cfg.Buffers, m.PoolMetrics)
	if err != nil {
		return err
	}
	reg := config.CreateRegistry(cfg, alloc, m.HandlerMetrics)

	var store certstore.Store
	if config.NeedsCertStore(cfg) {
		store, err = config.CreateCertStore(ctx, &cfg.TLS.Store)
		if err != nil {
			return err
		}
		if c, ok := store.(io.Closer); ok {
			defer func() {
				if err := c.Close(); err != nil {
					logger.Warn("Failed to close certificate store: %v", err)
				}
			}()
		}
		logger.Info("Certificate store: %s (hostname %s)", cfg.TLS.Store.Type, cfg.TLS.Hostname)
	}

	listeners, err := config.CreateListeners(cfg, reg, store, m.ListenerMetrics)
	if err != nil {
		return err
	}

	srv := server.New(reg, server.Config{
		ReapInterval:    cfg.Server.ReapInterval,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	for _, l := range listeners {
		if err := srv.AddListener(l); err != nil {
			return err
		}
	}
	if m.Server != nil {
		srv.SetMetricsServer(m.Server)
		logger.Info("Metrics enabled on port %d", cfg.Metrics.Port)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running with %d listener(s). Press Ctrl+C to stop.", len(listeners))

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		if err := <-serverDone; err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		logger.Info("Server stopped")
	}
	return nil
}
