package dispatcher

import (
	"time"

	"cerebro/internal/config"
	"cerebro/pkg/backoff"
)

const (
	defaultBufferSize       = 10000
	defaultWorkers          = 10
	defaultHTTPTimeout      = 10 * time.Second
	defaultDeliveryTimeout  = 30 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize      int
	Workers         int
	HTTPTimeout     time.Duration // per request
	DeliveryTimeout time.Duration // per event, across retries
	MaxRetries      int
	Backoff         backoff.Policy

	BreakerThreshold int
	BreakerCooldown  time.Duration // also the requeue delay
	MaxRequeues      int
}

// LoadConfigFromEnv reads the DISPATCHER_* variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", defaultBufferSize),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", defaultWorkers),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", defaultHTTPTimeout),
		DeliveryTimeout:  config.GetDurationEnv("DISPATCHER_DELIVERY_TIMEOUT", defaultDeliveryTimeout),
		MaxRetries:       config.GetIntEnv("DISPATCHER_MAX_RETRIES", defaultMaxRetries),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", defaultBreakerCooldown),
		MaxRequeues:      config.GetIntEnv("DISPATCHER_MAX_REQUEUES", defaultMaxRequeues),
		Backoff: backoff.Policy{
			Initial: config.GetDurationEnv("DISPATCHER_BACKOFF_INITIAL", 0),
			Max:     config.GetDurationEnv("DISPATCHER_BACKOFF_MAX", 0),
			Jitter:  config.GetFloatEnv("DISPATCHER_BACKOFF_JITTER", 0.2),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in non-positive values. MaxRetries and MaxRequeues
// accept zero.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues < 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
