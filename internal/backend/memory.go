package backend

import (
	"context"
	"sync"
	"time"
)

type memRecord struct {
	fields   map[string]string
	expireAt time.Time // zero means never
}

// sweepInterval bounds how long expired records linger when nothing reads
// them.
const sweepInterval = time.Minute

// MemoryStore is a single-process Store. Expired records are dropped on
// access, and writes sweep the whole store at most once per sweepInterval.
type MemoryStore struct {
	opts options

	mu        sync.Mutex
	lastSweep time.Time
	records   map[string]*memRecord
	indexes map[string]map[string]time.Time
	lists   map[string][]string
	hashes  map[string]map[string]string
	wake    chan struct{} // closed and replaced on every push
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts:      o,
		lastSweep: o.now(),
		records:   make(map[string]*memRecord),
		indexes:   make(map[string]map[string]time.Time),
		lists:     make(map[string][]string),
		hashes:    make(map[string]map[string]string),
		wake:      make(chan struct{}),
	}
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// live returns the record if present and unexpired. Caller holds mu.
func (s *MemoryStore) live(key string, now time.Time) (*memRecord, bool) {
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	if expired(rec.expireAt, now) {
		delete(s.records, key)
		return nil, false
	}
	return rec, true
}

// maybeSweep drops every expired record and index member once per
// sweepInterval of store time. Caller holds mu.
func (s *MemoryStore) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, rec := range s.records {
		if expired(rec.expireAt, now) {
			delete(s.records, key)
		}
	}
	for _, members := range s.indexes {
		for m, at := range members {
			if expired(at, now) {
				delete(members, m)
			}
		}
	}
}

// index applies opts' index movement for key. Caller holds mu.
func (s *MemoryStore) index(key string, expireAt time.Time, opts WriteOptions) {
	for _, idx := range opts.Leave {
		delete(s.indexes[idx], key)
	}
	if opts.Index == "" {
		return
	}
	members, ok := s.indexes[opts.Index]
	if !ok {
		members = make(map[string]time.Time)
		s.indexes[opts.Index] = members
	}
	members[key] = expireAt
}

func (s *MemoryStore) Insert(_ context.Context, key string, fields map[string]string, opts WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.opts.now()
	s.maybeSweep(now)
	if _, ok := s.live(key, now); ok {
		return ErrExists
	}
	rec := &memRecord{fields: copyFields(fields), expireAt: expiryOf(now, opts.TTL)}
	s.records[key] = rec
	s.index(key, rec.expireAt, opts)
	return nil
}

func (s *MemoryStore) Fetch(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rec, ok := s.live(key, s.opts.now())
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(rec.fields), nil
}

func (s *MemoryStore) ConditionalUpdate(_ context.Context, key string, guard Guard, fields map[string]string, opts WriteOptions) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.opts.now()
	rec, ok := s.live(key, now)
	if !ok {
		return nil, ErrNotFound
	}
	if cur := rec.fields[guard.Field]; !guard.allows(cur) {
		return nil, &GuardError{Field: guard.Field, Current: cur}
	}
	for k, v := range fields {
		rec.fields[k] = v
	}
	rec.expireAt = expiryOf(now, opts.TTL)
	s.index(key, rec.expireAt, opts)
	return copyFields(rec.fields), nil
}

func (s *MemoryStore) PartitionCount(_ context.Context, index string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := s.opts.now()
	members := s.indexes[index]
	for m, at := range members {
		if expired(at, now) {
			delete(members, m)
			s.live(m, now)
		}
	}
	return int64(len(members)), nil
}

func (s *MemoryStore) Push(_ context.Context, list, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.lists[list] = append(s.lists[list], value)
	close(s.wake)
	s.wake = make(chan struct{})
	return nil
}

// pop removes the list head, returning the wake channel to wait on if empty.
func (s *MemoryStore) pop(list string) (string, bool, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, nil, ErrClosed
	}

	items := s.lists[list]
	if len(items) == 0 {
		return "", false, s.wake, nil
	}
	v := items[0]
	items[0] = ""
	s.lists[list] = items[1:]
	return v, true, nil, nil
}

func (s *MemoryStore) BlockingPop(ctx context.Context, list string, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()

	for {
		v, ok, wake, err := s.pop(list)
		if err != nil || ok {
			return v, ok, err
		}
		select {
		case <-wake:
		case <-timer.C:
			// A push may have landed between the last check and expiry.
			v, ok, _, err := s.pop(list)
			return v, ok, err
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (s *MemoryStore) Len(_ context.Context, list string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.lists[list])), nil
}

func (s *MemoryStore) PushCapped(_ context.Context, list, value string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	items := append([]string{value}, s.lists[list]...)
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	s.lists[list] = items
	return nil
}

func (s *MemoryStore) Range(_ context.Context, list string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	items := s.lists[list]
	lo, hi, ok := normalizeRange(int64(len(items)), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, items[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) HashSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HashGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	v, ok := s.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyFields(s.hashes[key]), nil
}

func (s *MemoryStore) HashDelete(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	h := s.hashes[key]
	if _, ok := h[field]; !ok {
		return false, nil
	}
	delete(h, field)
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close releases blocked poppers; every later call fails with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.wake)
	}
	return nil
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// normalizeRange converts LRANGE-style offsets to inclusive slice bounds.
func normalizeRange(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
