// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ServiceConfig holds configuration for the HTTP service process.
type ServiceConfig struct {
	Port               string
	MetricsPort        string
	APIKey             string
	LogLevel           string
	ShutdownDrainWait  time.Duration // Time to wait for load balancer to drain (0 to skip)
	SubmitRateLimit    float64       // submits per second per client, 0 disables
	SubmitRateBurst    int
	CallbackSigningKey string
}

// StoreConfig selects and addresses the backing store.
type StoreConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	DialTimeout   time.Duration
}

// CoordinatorConfig holds the job lifecycle tunables.
type CoordinatorConfig struct {
	ProcessingTimeout time.Duration // upper bound for a single dequeue wait
	BlockTimeout      time.Duration // dequeue wait when the caller names none
	JobTTL            time.Duration
	HistorySize       int
	WorkerTTL         time.Duration // 0 keeps registrations until deregistered
}

// Config is the complete process configuration.
type Config struct {
	Service     ServiceConfig
	Store       StoreConfig
	Coordinator CoordinatorConfig
}

// Load reads the full configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Service:     *LoadServiceConfig(),
		Store:       *LoadStoreConfig(),
		Coordinator: *LoadCoordinatorConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:               GetEnv("PORT", "8080"),
		MetricsPort:        GetEnv("METRICS_PORT", "9090"),
		APIKey:             GetSecretFile(GetEnv("API_KEY_FILE", "")),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		ShutdownDrainWait:  GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		SubmitRateLimit:    GetFloatEnv("SUBMIT_RATE_LIMIT", 0),
		SubmitRateBurst:    GetIntEnv("SUBMIT_RATE_BURST", 20),
		CallbackSigningKey: GetEnv("CALLBACK_SIGNING_KEY", GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", ""))),
	}
}

// LoadStoreConfig loads backing store settings. REDIS_ADDR wins over
// REDIS_HOST/REDIS_PORT when both are set.
func LoadStoreConfig() *StoreConfig {
	addr := GetEnv("REDIS_ADDR", "")
	if addr == "" {
		addr = net.JoinHostPort(GetEnv("REDIS_HOST", "localhost"), strconv.Itoa(GetIntEnv("REDIS_PORT", 6379)))
	}
	return &StoreConfig{
		Backend:       GetEnv("STORE_BACKEND", BackendRedis),
		RedisAddr:     addr,
		RedisPassword: GetEnv("REDIS_PASSWORD", GetSecretFile(GetEnv("REDIS_PASSWORD_FILE", ""))),
		RedisDB:       GetIntEnv("REDIS_DB", 0),
		KeyPrefix:     GetEnv("REDIS_KEY_PREFIX", "cerebro"),
		DialTimeout:   GetDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
	}
}

// LoadCoordinatorConfig loads lifecycle settings. The REDIS_* and JOB_*
// names are accepted for compatibility with existing deployments.
func LoadCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		ProcessingTimeout: GetSecondsEnv(FirstEnv("JOB_PROCESSING_TIMEOUT", "REDIS_JOB_TIMEOUT"), 30*time.Second),
		BlockTimeout:      GetSecondsEnv(FirstEnv("DEQUEUE_BLOCK_TIMEOUT", "REDIS_BLOCK_TIMEOUT"), 5*time.Second),
		JobTTL:            GetSecondsEnv("JOB_TTL_SECONDS", time.Hour),
		HistorySize:       GetIntEnv(FirstEnv("HISTORY_SIZE", "JOB_HISTORY_SIZE"), 100),
		WorkerTTL:         GetSecondsEnv("WORKER_TTL", 0),
	}
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.Store.Backend)
	}
	if c.Coordinator.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL_SECONDS must be positive")
	}
	if c.Coordinator.HistorySize <= 0 {
		return fmt.Errorf("HISTORY_SIZE must be positive")
	}
	if c.Coordinator.BlockTimeout <= 0 || c.Coordinator.ProcessingTimeout <= 0 {
		return fmt.Errorf("dequeue timeouts must be positive")
	}
	if c.Coordinator.BlockTimeout > c.Coordinator.ProcessingTimeout {
		return fmt.Errorf("DEQUEUE_BLOCK_TIMEOUT (%s) exceeds JOB_PROCESSING_TIMEOUT (%s)",
			c.Coordinator.BlockTimeout, c.Coordinator.ProcessingTimeout)
	}
	return nil
}
