// cerebro is the HTTP coordinator that hands LLM jobs to pull-based workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cerebro/internal/api"
	"cerebro/internal/backend"
	"cerebro/internal/config"
	"cerebro/internal/dispatcher"
	"cerebro/internal/health"
	"cerebro/internal/job"
	"cerebro/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	slog.SetDefault(observability.NewLogger(cfg.Service.LogLevel))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Connect to the shared store
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Store.DialTimeout+time.Second)
	store, err := backend.Open(dialCtx, cfg.Store)
	dialCancel()
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	slog.Info("Connected to store", "backend", cfg.Store.Backend, "addr", cfg.Store.RedisAddr, "prefix", cfg.Store.KeyPrefix)

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics, slog.Default())

	// Create job service
	jobService := job.NewService(store, cfg.Coordinator,
		job.WithKeyPrefix(cfg.Store.KeyPrefix),
		job.WithMetrics(metrics),
		job.WithCallbacks(eventDispatcher, cfg.Service.CallbackSigningKey),
	)
	if err := metrics.ObserveQueue(jobService.QueueSnapshot); err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(jobService)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:      jobService,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		APIKey:          cfg.Service.APIKey,
		SubmitRateLimit: cfg.Service.SubmitRateLimit,
		SubmitRateBurst: cfg.Service.SubmitRateBurst,
	})

	if cfg.Service.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. Dequeue long-polls, so writes may take up to the
	// processing timeout.
	apiServer := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Coordinator.ProcessingTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Service.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Service.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.Service.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if cfg.Service.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Service.ShutdownDrainWait)
		time.Sleep(cfg.Service.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections and let
	// in-flight dequeues run out their wait
	slog.Info("Starting graceful shutdown")
	shutdown(cfg.Coordinator.ProcessingTimeout + 5*time.Second)

	// Phase 3: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Jobs live in the store; queued and in-flight work survives a restart.
	slog.Info("Shutdown complete")
	return nil
}
