package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/internal/config"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/internal/metrics"
	"github.com/nuln/sboxd/service"
	"github.com/nuln/sboxd/transport"

	// Register every built-in storage backend.
	_ "github.com/nuln/sboxd/drivers"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	Long: `Start the enabled storage providers and serve requests on the unix
socket until SIGINT or SIGTERM, then drain queued and in-flight requests
within server.shutdown_timeout.

Examples:
  # Start with the default configuration
  sboxd start

  # Start with a custom config file
  sboxd start --config /etc/sboxd/config.yaml

  # Start with environment variable overrides
  SBOXD_LOGGING_LEVEL=DEBUG sboxd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	svc, err := service.Open(cfg, sboxd.Default, m)
	if err != nil {
		return err
	}
	logger.Info("Storage service started", "providers", svc.Providers())

	if err := os.MkdirAll(filepath.Dir(cfg.Server.Socket), 0o755); err != nil {
		_ = svc.Shutdown(context.Background())
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := transport.NewServer(cfg.Server.Socket, svc)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", logger.KeyError, err)
			}
		}()
		logger.Info("Metrics enabled", "addr", cfg.Server.MetricsAddr)
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown", "signal", sig.String())
	case serveErr = <-serverDone:
		serverDone = nil
		if serveErr != nil {
			logger.Error("Transport error", logger.KeyError, serveErr)
		}
	}

	// Stop accepting, then drain the providers. Connections still open
	// get their final replies as the drain completes them.
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	err = svc.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("Storage service shutdown error", logger.KeyError, err)
	}
	if serverDone != nil {
		select {
		case <-serverDone:
		case <-shutdownCtx.Done():
			logger.Warn("Transport did not drain before the shutdown timeout")
		}
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("Server stopped")
	return errors.Join(serveErr, err)
}
