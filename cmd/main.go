package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UnknownOlympus/strata/internal/app"
	"github.com/UnknownOlympus/strata/internal/config"
	"github.com/UnknownOlympus/strata/internal/metrics"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
	"github.com/UnknownOlympus/strata/internal/service"
	"github.com/UnknownOlympus/strata/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Constants for different environment types.
const (
	envLocal = "local"
	envDev   = "development"
	envProd  = "production"
)

// pinger is checked by the health endpoint.
type pinger interface {
	Ping(ctx context.Context) error
}

// main is the entry point of the application.
func main() {
	// Create a context that will be canceled when an interrupt signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load application configuration.
	cfg := config.MustLoad()

	// Set up the logger based on the environment.
	logger := setupLogger(cfg.Env)

	// Create a separate registry for metrics with exemplar
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)

	storageCfg, err := config.LoadStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to load storage config: %v", err)
	}

	host := app.New(logger)
	store, err := storage.New(host, storageCfg, logger, appMetrics)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}

	for _, action := range []string{models.ActionCreate, models.ActionUpdate, models.ActionDestroy} {
		host.On(storage.EventPrefix+action, func(ctx context.Context, args ...any) {
			logger.DebugContext(ctx, "Model event", "action", action, "identity", args[0])
		})
	}

	if err = host.Launch(ctx); err != nil {
		log.Fatalf("Failed to launch storage: %v", err)
	}

	ensureGeoIndexes(ctx, logger, store)

	backfill := service.NewBackfillService(
		logger,
		service.TargetsFrom(store.Collections()),
		appMetrics,
		cfg.Workers,
		cfg.Interval,
		cfg.BatchSize,
	)

	// Log that the application has started.
	logger.InfoContext(ctx, "Application started. Press Ctrl+C to stop.", "models", store.Identities())

	// Start the monitoring server in a goroutine to allow main to listen for signals.
	go startMonitoringServer(ctx, logger, reg, store, cfg.Port)

	go backfill.Run(ctx)

	// Wait for the context to be canceled (e.g., by Ctrl+C).
	<-ctx.Done()

	// Log that a shutdown signal has been received.
	logger.InfoContext(ctx, "Shutdown signal received. Stopping application...")

	shutdownTimeout := 10 * time.Second
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = host.Stop(stopCtx); err != nil {
		logger.ErrorContext(stopCtx, "Failed to stop storage", "error", err)
	}

	// Log graceful shutdown completion.
	logger.InfoContext(stopCtx, "Application stopped gracefully.")
}

// ensureGeoIndexes indexes the geo field of every geo and point model whose
// adapter supports it.
func ensureGeoIndexes(ctx context.Context, log *slog.Logger, store *storage.Storage) {
	for _, collection := range store.Collections() {
		err := collection.CreateGeoIndex(ctx)
		switch {
		case err == nil:
			log.InfoContext(ctx, "Geo index ready", "model", collection.Identity())
		case errors.Is(err, storage.ErrNotGeoModel), errors.Is(err, repository.ErrGeoUnsupported):
		default:
			log.ErrorContext(ctx, "Failed to create geo index", "model", collection.Identity(), "error", err)
		}
	}
}

// startMonitoringServer starts an HTTP server that provides health check and metrics endpoints.
// It listens on the specified port and logs the server's status and any errors encountered.
//
// Parameters:
// - ctx: A context.Context for managing cancellation and timeouts.
// - log: A logger for logging server events and errors.
// - reg: A registry with Prometheus collectors.
// - store: The storage whose adapters are pinged.
// - port: The port number on which the server will listen.
func startMonitoringServer(
	ctx context.Context,
	log *slog.Logger,
	reg *prometheus.Registry,
	store pinger,
	port int,
) {
	http.HandleFunc("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
		log.DebugContext(ctx, "Performing health checks...")
		status, body := http.StatusOK, "OK"
		if err := store.Ping(ctx); err != nil {
			status, body = http.StatusServiceUnavailable, "storage ping failed"
		}
		writer.WriteHeader(status)
		_, err := writer.Write([]byte(body))
		if err != nil {
			log.ErrorContext(ctx, "failed to write reply", "error", err)
		}

		log.DebugContext(ctx, "Health checks completed", "status", http.StatusOK)
	})
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.InfoContext(ctx, "Starting monitoring server", "port", port)
	readTimeout := 5
	writeTimeout := 10
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      http.DefaultServeMux,
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.ErrorContext(ctx, "Monitoring server failed", "error", err)
	}
}

// setupLogger initializes and returns a logger based on the environment provided.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level:     slog.LevelDebug,
				AddSource: true,
				ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
					return a
				},
			}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level:     slog.LevelInfo,
				AddSource: false,
				ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
					return a
				},
			}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level:     slog.LevelWarn,
				AddSource: false,
				ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey {
						return slog.Attr{}
					}
					return a
				},
			}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level:     slog.LevelError,
				AddSource: false,
				ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
					if a.Key == slog.TimeKey {
						return slog.Attr{}
					}
					return a
				},
			}),
		)

		log.Error(
			"The env parameter was not specified or was invalid. Logging will be minimal, by default.",
			slog.String("available_envs", "local, development, production"))
	}

	return log
}
