// Package history keeps a bounded, most-recent-first log of finished jobs.
// It is a convenience view for dashboards; job records stay authoritative.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cerebro/internal/apperrors"
	"cerebro/internal/backend"
)

// DefaultLimit is used when a caller does not ask for a specific count.
const DefaultLimit = 10

const previewLen = 80

// Entry is a snapshot of a job taken when it reached a terminal state.
type Entry struct {
	JobID         string          `json:"job_id"`
	Status        string          `json:"status"`
	WorkerID      string          `json:"worker_id,omitempty"`
	Model         string          `json:"model,omitempty"`
	Error         string          `json:"error,omitempty"`
	Preview       string          `json:"preview,omitempty"`
	ResultPreview string          `json:"result_preview,omitempty"`
	MessageCount  int             `json:"message_count"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
	DurationMs    int64           `json:"duration_ms"`
}

// Ring stores entries in a capped list.
type Ring struct {
	store backend.Store
	key   string
	size  int
}

// New creates a Ring holding at most size entries under key.
func New(store backend.Store, key string, size int) *Ring {
	return &Ring{store: store, key: key, size: size}
}

// Size returns the capacity of the ring.
func (r *Ring) Size() int {
	return r.size
}

// Append records an entry, evicting the oldest once the ring is full.
func (r *Ring) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return apperrors.Internal("history.encode", err)
	}
	if err := r.store.PushCapped(ctx, r.key, string(data), r.size); err != nil {
		return apperrors.Unavailable("history.append", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. Entries that fail to
// decode are skipped.
func (r *Ring) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = ClampLimit(limit, r.size)
	raw, err := r.store.Range(ctx, r.key, 0, int64(limit-1))
	if err != nil {
		return nil, apperrors.Unavailable("history.recent", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("Skipping malformed history entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ClampLimit bounds limit to [1, size], substituting DefaultLimit for
// non-positive values.
func ClampLimit(limit, size int) int {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if size > 0 && limit > size {
		limit = size
	}
	return max(limit, 1)
}

// Preview flattens text to a single line of at most 80 characters.
func Preview(text string) string {
	trimmed := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if r := []rune(trimmed); len(r) > previewLen {
		return fmt.Sprintf("%s...", string(r[:previewLen-3]))
	}
	return trimmed
}

// ResultPreview extracts a short text from the common worker result shapes:
// {"message":{"content":...}} and {"response":...}.
func ResultPreview(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var shaped struct {
		Message *struct {
			Content any `json:"content"`
		} `json:"message"`
		Response any `json:"response"`
	}
	if err := json.Unmarshal(result, &shaped); err != nil {
		return ""
	}
	if shaped.Message != nil {
		if s, ok := shaped.Message.Content.(string); ok {
			return Preview(s)
		}
	}
	if s, ok := shaped.Response.(string); ok {
		return Preview(s)
	}
	return ""
}
