package worker

import (
	"os"
	"time"

	"cerebro/internal/config"
)

// Config holds configuration for a worker process.
type Config struct {
	CoordinatorURL string
	APIKey         string
	WorkerID       string
	Model          string
	OllamaURL      string // empty runs the echo processor
	DequeueTimeout time.Duration
	PollInterval   time.Duration // pause after an idle dequeue
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() *Config {
	apiKey := config.GetEnv("CEREBRO_API_KEY", "")
	if key := config.GetSecretFile(config.GetEnv("CEREBRO_API_KEY_FILE", "")); key != "" {
		apiKey = key
	}
	return &Config{
		CoordinatorURL: config.GetEnv(config.FirstEnv("CEREBRO_URL", "CEREBRO_MANAGER_URL"), "http://localhost:8080"),
		APIKey:         apiKey,
		WorkerID:       config.GetEnv("WORKER_ID", defaultWorkerID()),
		Model:          config.GetEnv(config.FirstEnv("MODEL_NAME", "OLLAMA_MODEL"), ""),
		OllamaURL:      config.GetEnv("OLLAMA_URL", ""),
		DequeueTimeout: config.GetSecondsEnv("WORKER_DEQUEUE_TIMEOUT", 5*time.Second),
		PollInterval:   config.GetSecondsEnv("WORKER_POLL_INTERVAL", 0),
		MaxBackoff:     config.GetSecondsEnv("MAX_BACKOFF_SECONDS", 30*time.Second),
		RequestTimeout: config.GetSecondsEnv("REQUEST_TIMEOUT", 120*time.Second),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
