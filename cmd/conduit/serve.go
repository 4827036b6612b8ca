package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/config"
	"github.com/polisai/conduit/pkg/engine"
	"github.com/polisai/conduit/pkg/logging"
	"github.com/polisai/conduit/pkg/stats"
	"github.com/polisai/conduit/pkg/storage"
	"github.com/polisai/conduit/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve pipelines over HTTP and hot-reload the pipelines file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cmd.OutOrStdout(),
			})
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the service configuration file")
	return cmd
}

// server bundles the wired engine with the two HTTP surfaces.
type server struct {
	registry *engine.PipelineRegistry
	executor *engine.Executor
	data     http.Handler
	admin    http.Handler
}

func newServer(cfg *config.Config, logger *slog.Logger) *server {
	gate := governance.NewConcurrencyGate()
	statistics := stats.NewRegistry()
	caps := engine.Capabilities{
		Transactions: storage.NewMemoryTransactionManager(),
		Locker:       storage.NewMemoryLocker(),
		Cache:        storage.NewMemoryCacheStore(cfg.Engine.CacheMaxEntries),
		Sink:         telemetry.NewMonitoringSink(logger),
		Gate:         gate,
		Breakers:     governance.NewCircuitBreakerManager(),
		Stats:        statistics,
		Logger:       logger,
	}

	registry := engine.NewPipelineRegistry(engine.NewHandlerRegistry(logger), logger)
	executor := engine.NewExecutor(engine.ExecutorConfig{
		Registry:     registry,
		Capabilities: caps,
		Logger:       logger,
	})
	api := engine.NewHTTPHandler(engine.HTTPHandlerConfig{
		Executor:     executor,
		Registry:     registry,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	admin := http.NewServeMux()
	admin.Handle("GET /metrics", telemetry.PrometheusHandler(telemetry.NewPrometheusRegistry(statistics, gate)))
	admin.Handle("/", api)

	return &server{
		registry: registry,
		executor: executor,
		data:     otelhttp.NewHandler(api, "conduit.data"),
		admin:    admin,
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	srv := newServer(cfg, logger)
	if err := srv.loadPipelines(ctx, cfg.Pipeline, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Pipeline.File != "" && cfg.Pipeline.Watch {
		provider, err := config.NewFileConfigProvider(cfg.Pipeline.File, config.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to watch pipelines: %w", err)
		}
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("failed to close pipeline watcher", "error", err)
			}
		}()
		g.Go(func() error {
			srv.registry.Watch(gctx, provider)
			return nil
		})
	}

	g.Go(func() error { return listenAndServe(gctx, "data", cfg.Server.DataAddress, srv.data, logger) })
	g.Go(func() error { return listenAndServe(gctx, "admin", cfg.Server.AdminAddress, srv.admin, logger) })

	err = g.Wait()
	logger.Info("conduit stopped")
	return err
}

// loadPipelines installs the pipelines file once. With watching enabled the
// provider republishes it and every later change.
func (s *server) loadPipelines(ctx context.Context, cfg config.PipelineConfig, logger *slog.Logger) error {
	if cfg.File == "" {
		logger.Warn("no pipelines file configured")
		return nil
	}
	snapshot, err := config.ReadSnapshot(cfg.File)
	if err != nil {
		return fmt.Errorf("failed to read pipelines: %w", err)
	}
	if err := s.registry.UpdatePipelines(ctx, snapshot.Pipelines); err != nil {
		return fmt.Errorf("invalid pipelines: %w", err)
	}
	return nil
}

func listenAndServe(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("server listening", "server", name, "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "server", name, "error", err)
		return err
	}
	return nil
}
