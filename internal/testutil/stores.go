package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cerebro/internal/backend"
)

// Backend is a store under test. Redis is nil for the memory store.
type Backend struct {
	Name  string
	Store backend.Store
	Redis *miniredis.Miniredis
}

// Backends returns a fresh memory store and a fresh miniredis-backed store,
// both closed when the test ends.
func Backends(tb testing.TB, opts ...backend.Option) []Backend {
	tb.Helper()

	mem := backend.NewMemory(opts...)
	tb.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(tb)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	rs := backend.NewRedis(rdb, append([]backend.Option{backend.WithPollInterval(5 * time.Millisecond)}, opts...)...)
	tb.Cleanup(func() { _ = rs.Close() })

	return []Backend{
		{Name: "memory", Store: mem},
		{Name: "redis", Store: rs, Redis: mr},
	}
}

// ForEachBackend runs fn as a subtest against every backend.
func ForEachBackend(t *testing.T, fn func(t *testing.T, b Backend), opts ...backend.Option) {
	t.Helper()
	for _, b := range Backends(t, opts...) {
		t.Run(b.Name, func(t *testing.T) {
			fn(t, b)
		})
	}
}
