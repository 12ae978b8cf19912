// Package registry tracks worker processes that announce themselves to the
// coordinator. Registration is advisory: it is never consulted before a job
// is handed out.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cerebro/internal/apperrors"
	"cerebro/internal/backend"
)

const maxWorkerIDLength = 128

// Worker is one registration.
type Worker struct {
	ID           string            `json:"worker_id"`
	Hostname     string            `json:"hostname,omitempty"`
	Model        string            `json:"model,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
}

// Registry stores workers in a single backend hash keyed by worker id.
type Registry struct {
	store backend.Store
	key   string
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Registry. A positive ttl hides and prunes workers not seen
// within that window.
func New(store backend.Store, key string, ttl time.Duration) *Registry {
	return &Registry{store: store, key: key, ttl: ttl, now: time.Now}
}

// Register upserts a worker. The original registration time is kept across
// repeated registrations.
func (r *Registry) Register(ctx context.Context, w Worker) (*Worker, error) {
	if w.ID == "" {
		return nil, apperrors.Validation("worker_id", "worker_id is required")
	}
	if len(w.ID) > maxWorkerIDLength {
		return nil, apperrors.Validation("worker_id", fmt.Sprintf("worker_id exceeds maximum length of %d", maxWorkerIDLength))
	}

	now := r.now().UTC()
	w.RegisteredAt = now
	w.LastSeenAt = now
	if prev, err := r.get(ctx, w.ID); err == nil {
		w.RegisteredAt = prev.RegisteredAt
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	if err := r.put(ctx, &w); err != nil {
		return nil, err
	}
	slog.Info("Worker registered", "workerId", w.ID, "hostname", w.Hostname, "model", w.Model)
	return &w, nil
}

// Deregister removes a worker. Unknown ids yield a not-found error.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	removed, err := r.store.HashDelete(ctx, r.key, id)
	if err != nil {
		return apperrors.Unavailable("registry.deregister", err)
	}
	if !removed {
		return apperrors.NotFound("worker", id)
	}
	slog.Info("Worker deregistered", "workerId", id)
	return nil
}

// Touch refreshes the last-seen time of a registered worker, recording the
// model when one is given. Unregistered ids are ignored.
func (r *Registry) Touch(ctx context.Context, id, model string) error {
	w, err := r.get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	w.LastSeenAt = r.now().UTC()
	if model != "" {
		w.Model = model
	}
	return r.put(ctx, w)
}

// List returns live workers sorted by id.
func (r *Registry) List(ctx context.Context) ([]Worker, error) {
	all, err := r.store.HashGetAll(ctx, r.key)
	if err != nil {
		return nil, apperrors.Unavailable("registry.list", err)
	}

	now := r.now()
	workers := make([]Worker, 0, len(all))
	for id, raw := range all {
		var w Worker
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			slog.Warn("Skipping malformed worker record", "workerId", id, "error", err)
			continue
		}
		if r.stale(w, now) {
			if _, err := r.store.HashDelete(ctx, r.key, id); err != nil {
				slog.Warn("Failed to prune stale worker", "workerId", id, "error", err)
			}
			continue
		}
		workers = append(workers, w)
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

func (r *Registry) stale(w Worker, now time.Time) bool {
	return r.ttl > 0 && now.Sub(w.LastSeenAt) > r.ttl
}

func (r *Registry) get(ctx context.Context, id string) (*Worker, error) {
	raw, err := r.store.HashGet(ctx, r.key, id)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, apperrors.NotFound("worker", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable("registry.get", err)
	}
	var w Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, apperrors.Internal("registry.decode", err)
	}
	return &w, nil
}

func (r *Registry) put(ctx context.Context, w *Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return apperrors.Internal("registry.encode", err)
	}
	if err := r.store.HashSet(ctx, r.key, w.ID, string(data)); err != nil {
		return apperrors.Unavailable("registry.put", err)
	}
	return nil
}
