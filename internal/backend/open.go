package backend

import (
	"context"
	"fmt"

	"cerebro/internal/config"
)

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(opts...), nil
	case config.BackendRedis, "":
		return DialRedis(ctx, RedisConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: cfg.DialTimeout,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
