// Package backend is the shared store every coordinator instance talks to.
//
// It exposes the handful of primitives the job lifecycle needs: expiring hash
// records with an atomic guarded update, FIFO lists with a blocking pop,
// capped lists, plain hashes and expiring partition indexes used for counts.
// Nothing above this package holds authoritative state.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("backend: key not found")
	ErrExists      = errors.New("backend: key already exists")
	ErrGuardFailed = errors.New("backend: guard not satisfied")
	ErrUnavailable = errors.New("backend: unavailable")
	ErrClosed      = errors.New("backend: closed")
)

// GuardError is returned by ConditionalUpdate when the record exists but its
// guarded field holds a value outside the accepted set.
type GuardError struct {
	Field   string
	Current string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("backend: guard on %q not satisfied (current %q)", e.Field, e.Current)
}

func (e *GuardError) Is(target error) bool {
	return target == ErrGuardFailed
}

// Guard names a field and the values it must hold for an update to apply.
type Guard struct {
	Field string
	OneOf []string
}

func (g Guard) allows(v string) bool {
	for _, s := range g.OneOf {
		if s == v {
			return true
		}
	}
	return false
}

// WriteOptions control expiry and partition index membership of a record.
//
// A record is a member of at most one partition index at a time. Index names
// the index the record joins after the write, scored by its expiry; Leave
// lists indexes it must be removed from in the same atomic step.
type WriteOptions struct {
	TTL   time.Duration // 0 means no expiry
	Index string
	Leave []string
}

// Store is implemented by RedisStore and MemoryStore.
type Store interface {
	// Insert creates a hash record. It fails with ErrExists if the key is live.
	Insert(ctx context.Context, key string, fields map[string]string, opts WriteOptions) error
	// Fetch returns all fields of a live record or ErrNotFound.
	Fetch(ctx context.Context, key string) (map[string]string, error)
	// ConditionalUpdate merges fields into the record if the guard holds,
	// refreshes its expiry and moves its index membership, all atomically.
	// It returns the full record after the update.
	ConditionalUpdate(ctx context.Context, key string, guard Guard, fields map[string]string, opts WriteOptions) (map[string]string, error)
	// PartitionCount returns the number of live members of an index.
	PartitionCount(ctx context.Context, index string) (int64, error)

	// Push appends to the tail of a list.
	Push(ctx context.Context, list, value string) error
	// BlockingPop removes the head of a list, waiting up to timeout for one to
	// appear. ok is false when the wait elapsed without a value.
	BlockingPop(ctx context.Context, list string, timeout time.Duration) (value string, ok bool, err error)
	Len(ctx context.Context, list string) (int64, error)

	// PushCapped prepends to a list and trims it to max entries.
	PushCapped(ctx context.Context, list, value string, max int) error
	// Range returns list elements between start and stop inclusive. Negative
	// offsets count from the tail.
	Range(ctx context.Context, list string, start, stop int64) ([]string, error)

	HashSet(ctx context.Context, key, field, value string) error
	// HashGet returns ErrNotFound when the field is absent.
	HashGet(ctx context.Context, key, field string) (string, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// HashDelete reports whether the field existed.
	HashDelete(ctx context.Context, key, field string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now          func() time.Time
	pollInterval time.Duration
}

func defaultOptions() options {
	return options{
		now:          time.Now,
		pollInterval: 50 * time.Millisecond,
	}
}

// WithClock replaces the clock used to score partition indexes and, for the
// memory store, to expire records.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPollInterval sets how often a sub-second BlockingPop re-checks the list.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// unavailable tags a transport failure so callers can classify it.
func unavailable(op string, err error) error {
	return fmt.Errorf("backend %s: %w: %w", op, ErrUnavailable, err)
}

func expiryOf(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
