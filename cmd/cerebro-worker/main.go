// cerebro-worker pulls jobs from a cerebro coordinator and answers them with
// a local Ollama model, or with an echo when no model endpoint is configured.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cerebro/internal/config"
	"cerebro/internal/observability"
	"cerebro/internal/worker"
	"cerebro/pkg/client"
)

func main() {
	// Used by container health checks: exits 0 when the coordinator
	// answers /health, 1 otherwise.
	if len(os.Args) > 1 && os.Args[1] == "-check-ready" {
		cfg := worker.LoadConfigFromEnv()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c := client.New(cfg.CoordinatorURL, client.WithRetry(client.DefaultRetry, 0))
		if err := c.Health(ctx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	slog.SetDefault(observability.NewLogger(config.GetEnv("LOG_LEVEL", "info")))

	cfg := worker.LoadConfigFromEnv()

	var proc worker.Processor = worker.Echo{}
	if cfg.OllamaURL != "" {
		proc = worker.NewOllama(cfg.OllamaURL, cfg.Model, cfg.RequestTimeout)
	} else {
		slog.Info("OLLAMA_URL not set, answering jobs with echo")
	}

	// Dequeue holds the request open for up to DequeueTimeout.
	httpClient := &http.Client{Timeout: cfg.DequeueTimeout + cfg.RequestTimeout}
	c := client.New(cfg.CoordinatorURL,
		client.WithHTTPClient(httpClient),
		client.WithAPIKey(cfg.APIKey),
		client.WithWorkerID(cfg.WorkerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	runner := worker.NewRunner(cfg, proc, c)
	err := runner.Run(ctx)
	stats := runner.Stats()
	slog.Info("Worker exited", "completed", stats.Completed, "failed", stats.Failed, "errors", stats.Errors)
	return err
}
