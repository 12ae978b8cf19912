package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cerebro/internal/apperrors"
	"cerebro/internal/backend"
)

// Record field names.
const (
	fieldID          = "id"
	fieldState       = "status"
	fieldMessages    = "messages"
	fieldMetadata    = "metadata"
	fieldCallback    = "callback"
	fieldWorkerID    = "worker_id"
	fieldModel       = "model"
	fieldResult      = "result"
	fieldError       = "error"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
)

// Records owns job records. Every state change goes through a single
// guarded backend update, so concurrent coordinators cannot both move a job
// out of the same state.
type Records struct {
	store backend.Store
	keys  Keys
	ttl   time.Duration
	now   func() time.Time
}

func NewRecords(store backend.Store, keys Keys, ttl time.Duration) *Records {
	return &Records{store: store, keys: keys, ttl: ttl, now: time.Now}
}

// Patch holds the fields a transition writes besides the state.
type Patch struct {
	WorkerID string
	Model    string
	Result   json.RawMessage
	Error    string
}

// Create stores j as a new queued job with a fresh id.
func (r *Records) Create(ctx context.Context, j *Job) (*Job, error) {
	now := r.now().UTC()
	rec := *j
	rec.ID = uuid.NewString()
	rec.State = StateQueued
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.StartedAt = nil
	rec.CompletedAt = nil

	fields, err := encode(&rec)
	if err != nil {
		return nil, apperrors.Internal("records.encode", err)
	}
	err = r.store.Insert(ctx, r.keys.Job(rec.ID), fields, backend.WriteOptions{
		TTL:   r.ttl,
		Index: r.keys.StateIndex(StateQueued),
	})
	if err != nil {
		return nil, r.storeErr("create", rec.ID, err)
	}
	return &rec, nil
}

// Get returns the job or a not-found error once it is absent or expired.
func (r *Records) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, apperrors.NotFound("job", id)
	}
	fields, err := r.store.Fetch(ctx, r.keys.Job(id))
	if err != nil {
		return nil, r.storeErr("get", id, err)
	}
	j, err := decode(fields)
	if err != nil {
		return nil, apperrors.Internal("records.decode", err)
	}
	return j, nil
}

// Transition moves job id to state to if it currently holds one of from,
// writing p and refreshing the record's TTL. A job in any other state yields
// a conflict error.
func (r *Records) Transition(ctx context.Context, id string, from []State, to State, p Patch) (*Job, error) {
	now := r.now().UTC()
	fields := map[string]string{
		fieldState:     string(to),
		fieldUpdatedAt: formatTime(now),
	}
	if p.WorkerID != "" {
		fields[fieldWorkerID] = p.WorkerID
	}
	if p.Model != "" {
		fields[fieldModel] = p.Model
	}
	if len(p.Result) > 0 {
		fields[fieldResult] = string(p.Result)
	}
	if p.Error != "" {
		fields[fieldError] = p.Error
	}
	switch {
	case to == StateProcessing:
		fields[fieldStartedAt] = formatTime(now)
	case to.Terminal():
		fields[fieldCompletedAt] = formatTime(now)
	}

	guard := backend.Guard{Field: fieldState, OneOf: make([]string, len(from))}
	leave := make([]string, len(from))
	for i, s := range from {
		guard.OneOf[i] = string(s)
		leave[i] = r.keys.StateIndex(s)
	}

	updated, err := r.store.ConditionalUpdate(ctx, r.keys.Job(id), guard, fields, backend.WriteOptions{
		TTL:   r.ttl,
		Index: r.keys.StateIndex(to),
		Leave: leave,
	})
	if err != nil {
		var ge *backend.GuardError
		if errors.As(err, &ge) {
			return nil, apperrors.Conflict("job", id,
				fmt.Sprintf("job %s is %s, expected %s", id, ge.Current, joinStates(from)))
		}
		return nil, r.storeErr("transition", id, err)
	}

	j, err := decode(updated)
	if err != nil {
		return nil, apperrors.Internal("records.decode", err)
	}
	return j, nil
}

// Count returns the number of live jobs in state s.
func (r *Records) Count(ctx context.Context, s State) (int64, error) {
	n, err := r.store.PartitionCount(ctx, r.keys.StateIndex(s))
	if err != nil {
		return 0, r.storeErr("count", "", err)
	}
	return n, nil
}

func (r *Records) storeErr(op, id string, err error) error {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return apperrors.NotFound("job", id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, backend.ErrExists):
		return apperrors.Internal("records."+op, err)
	default:
		return apperrors.Unavailable("records."+op, err)
	}
}

func joinStates(states []State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " or ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(fields map[string]string, key string) (*time.Time, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &t, nil
}

func encode(j *Job) (map[string]string, error) {
	messages, err := json.Marshal(j.Messages)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	fields := map[string]string{
		fieldID:        j.ID,
		fieldState:     string(j.State),
		fieldMessages:  string(messages),
		fieldCreatedAt: formatTime(j.CreatedAt),
		fieldUpdatedAt: formatTime(j.UpdatedAt),
	}
	if len(j.Metadata) > 0 {
		fields[fieldMetadata] = string(j.Metadata)
	}
	if j.Callback != nil {
		cb, err := json.Marshal(j.Callback)
		if err != nil {
			return nil, fmt.Errorf("callback: %w", err)
		}
		fields[fieldCallback] = string(cb)
	}
	return fields, nil
}

func decode(fields map[string]string) (*Job, error) {
	j := &Job{
		ID:       fields[fieldID],
		State:    State(fields[fieldState]),
		WorkerID: fields[fieldWorkerID],
		Model:    fields[fieldModel],
		Error:    fields[fieldError],
	}
	if !j.State.Valid() {
		return nil, fmt.Errorf("job %s: unknown state %q", j.ID, j.State)
	}
	if err := json.Unmarshal([]byte(fields[fieldMessages]), &j.Messages); err != nil {
		return nil, fmt.Errorf("job %s messages: %w", j.ID, err)
	}
	if v := fields[fieldMetadata]; v != "" {
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("job %s metadata: invalid JSON", j.ID)
		}
		j.Metadata = json.RawMessage(v)
	}
	if v := fields[fieldCallback]; v != "" {
		j.Callback = &Callback{}
		if err := json.Unmarshal([]byte(v), j.Callback); err != nil {
			return nil, fmt.Errorf("job %s callback: %w", j.ID, err)
		}
	}
	if v := fields[fieldResult]; v != "" {
		j.Result = json.RawMessage(v)
	}

	created, err := parseTime(fields, fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(fields, fieldUpdatedAt)
	if err != nil {
		return nil, err
	}
	if created != nil {
		j.CreatedAt = *created
	}
	if updated != nil {
		j.UpdatedAt = *updated
	}
	if j.StartedAt, err = parseTime(fields, fieldStartedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTime(fields, fieldCompletedAt); err != nil {
		return nil, err
	}
	return j, nil
}
