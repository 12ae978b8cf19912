package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"cerebro/internal/apperrors"
	"cerebro/internal/backend"
	"cerebro/internal/config"
	"cerebro/internal/dispatcher"
	"cerebro/internal/history"
	"cerebro/internal/observability"
	"cerebro/internal/registry"
)

const (
	// UnknownWorker is recorded when a dequeue names no worker.
	UnknownWorker = "unknown"

	DefaultKeyPrefix   = "cerebro"
	DefaultEventSource = "cerebro/coordinator"

	maxCallbackEvents = 16
)

// Service is the coordinator. It holds no job state of its own; every
// instance sharing a backend sees the same jobs.
type Service struct {
	store    backend.Store
	records  *Records
	queue    *Queue
	workers  *registry.Registry
	history  *history.Ring
	cfg      config.CoordinatorConfig
	metrics  *observability.Metrics
	callback dispatcher.Dispatcher
	events   *EventBuilder

	signingKey string
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	keyPrefix   string
	metrics     *observability.Metrics
	dispatcher  dispatcher.Dispatcher
	signingKey  string
	eventSource string
}

// WithKeyPrefix namespaces every backend key.
func WithKeyPrefix(prefix string) Option {
	return func(o *serviceOptions) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// WithCallbacks enables completion callbacks. signingKey signs events for
// callbacks that carry no key of their own.
func WithCallbacks(d dispatcher.Dispatcher, signingKey string) Option {
	return func(o *serviceOptions) {
		o.dispatcher = d
		o.signingKey = signingKey
	}
}

func WithEventSource(source string) Option {
	return func(o *serviceOptions) {
		if source != "" {
			o.eventSource = source
		}
	}
}

// NewService wires the record store, queue, registry and history ring over a
// single backend.
func NewService(store backend.Store, cfg config.CoordinatorConfig, opts ...Option) *Service {
	o := serviceOptions{keyPrefix: DefaultKeyPrefix, eventSource: DefaultEventSource}
	for _, opt := range opts {
		opt(&o)
	}
	keys := Keys{Prefix: o.keyPrefix}

	return &Service{
		store:      store,
		records:    NewRecords(store, keys, cfg.JobTTL),
		queue:      NewQueue(store, keys.Queue()),
		workers:    registry.New(store, keys.Workers(), cfg.WorkerTTL),
		history:    history.New(store, keys.History(), cfg.HistorySize),
		cfg:        cfg,
		metrics:    o.metrics,
		callback:   o.dispatcher,
		events:     NewEventBuilder(o.eventSource),
		signingKey: o.signingKey,
	}
}

// Submit validates req, stores a queued job and appends it to the queue.
// Nothing is written when validation fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	cb, err := validateSubmit(&req)
	if err != nil {
		return nil, err
	}

	j, err := s.records.Create(ctx, &Job{
		Messages: req.Messages,
		Metadata: req.Metadata,
		Callback: cb,
	})
	if err != nil {
		return nil, err
	}

	logger := slog.With("jobId", j.ID)
	if err := s.queue.Push(ctx, j.ID); err != nil {
		// Not reachable from the queue, so it must not stay queued.
		_, ferr := s.records.Transition(context.WithoutCancel(ctx), j.ID,
			[]State{StateQueued}, StateFailed, Patch{Error: "enqueue failed"})
		logger.Error("Job enqueue failed", "error", err, "markFailedError", ferr)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx)
	}
	logger.Info("Job submitted", "messages", len(j.Messages))
	return j, nil
}

// Dequeue hands the oldest queued job to workerID, waiting up to timeout.
// It returns (nil, nil) when no job became available in time. A timeout of
// zero or less uses the configured block timeout; any timeout is capped by
// the processing timeout.
func (s *Service) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*Job, error) {
	if workerID == "" {
		workerID = UnknownWorker
	}
	if timeout <= 0 {
		timeout = s.cfg.BlockTimeout
	}
	if s.cfg.ProcessingTimeout > 0 {
		timeout = min(timeout, s.cfg.ProcessingTimeout)
	}
	deadline := time.Now().Add(timeout)
	logger := slog.With("workerId", workerID)

	for {
		id, ok, err := s.queue.Pop(ctx, max(time.Until(deadline), 0))
		if err != nil {
			return nil, err
		}
		if !ok {
			if s.metrics != nil {
				s.metrics.RecordDequeueIdle(ctx)
			}
			return nil, nil
		}

		// The id has left the queue; finish the transition even if the
		// caller goes away.
		j, err := s.records.Transition(context.WithoutCancel(ctx), id,
			[]State{StateQueued}, StateProcessing, Patch{WorkerID: workerID})
		switch {
		case err == nil:
			s.touchWorker(ctx, workerID, "")
			if s.metrics != nil && j.StartedAt != nil {
				s.metrics.RecordJobDispatched(ctx, j.StartedAt.Sub(j.CreatedAt).Seconds())
			}
			logger.Info("Job dispatched", "jobId", j.ID)
			return j, nil
		case errors.Is(err, apperrors.ErrNotFound):
			logger.Warn("Skipping expired job popped from queue", "jobId", id)
			s.recordSkipped(ctx, "expired")
		case errors.Is(err, apperrors.ErrConflict):
			logger.Warn("Skipping job no longer queued", "jobId", id, "error", err)
			s.recordSkipped(ctx, "conflict")
		default:
			// The id is off the queue but the record still says queued.
			// Nothing requeues it; it ages out with its TTL.
			logger.Error("Popped job could not be dispatched", "jobId", id, "error", err)
			s.recordSkipped(ctx, "orphaned")
			return nil, err
		}

		if time.Until(deadline) <= 0 {
			if s.metrics != nil {
				s.metrics.RecordDequeueIdle(ctx)
			}
			return nil, nil
		}
	}
}

// Complete records a worker's outcome for a job in processing. A job that
// is still queued or already terminal yields a conflict error and is left
// unchanged.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*Job, error) {
	if err := validateComplete(&req); err != nil {
		return nil, err
	}

	p := Patch{Model: req.Model, Result: req.Result}
	if req.Status == StateFailed {
		p.Error = req.Error
	}
	j, err := s.records.Transition(ctx, req.JobID, []State{StateProcessing}, req.Status, p)
	if err != nil {
		return nil, err
	}

	logger := slog.With("jobId", j.ID, "workerId", j.WorkerID)
	snap := Snapshot(j)
	if err := s.history.Append(ctx, snap); err != nil {
		logger.Warn("History append failed", "error", err)
	}
	if req.WorkerID != "" {
		s.touchWorker(ctx, req.WorkerID, req.Model)
	}
	s.notify(j, logger)

	if s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, string(j.State), float64(snap.DurationMs)/1000)
	}
	logger.Info("Job finished", "status", j.State, "model", j.Model, "durationMs", snap.DurationMs)
	return j, nil
}

// Get returns the current record of a job.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.records.Get(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	qlen, err := s.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{QueueLength: qlen, Counts: make(map[State]int64, len(States))}
	for _, state := range States {
		n, err := s.records.Count(ctx, state)
		if err != nil {
			return nil, err
		}
		st.Counts[state] = n
	}
	st.Queued = st.Counts[StateQueued]
	st.Processing = st.Counts[StateProcessing]
	st.Completed = st.Counts[StateCompleted]
	st.Failed = st.Counts[StateFailed]

	workers, err := s.workers.List(ctx)
	if err != nil {
		return nil, err
	}
	st.Workers = len(workers)
	return st, nil
}

// QueueSnapshot feeds the queue gauges.
func (s *Service) QueueSnapshot(ctx context.Context) (observability.QueueSnapshot, error) {
	qlen, err := s.queue.Len(ctx)
	if err != nil {
		return observability.QueueSnapshot{}, err
	}
	snap := observability.QueueSnapshot{QueueLength: qlen, ByState: make(map[string]int64, len(States))}
	for _, state := range States {
		n, err := s.records.Count(ctx, state)
		if err != nil {
			return observability.QueueSnapshot{}, err
		}
		snap.ByState[string(state)] = n
	}
	return snap, nil
}

func (s *Service) RegisterWorker(ctx context.Context, w registry.Worker) (*registry.Worker, error) {
	return s.workers.Register(ctx, w)
}

func (s *Service) DeregisterWorker(ctx context.Context, id string) error {
	return s.workers.Deregister(ctx, id)
}

func (s *Service) ListWorkers(ctx context.Context) ([]registry.Worker, error) {
	return s.workers.List(ctx)
}

// Recent returns the latest terminal jobs, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	return s.history.Recent(ctx, limit)
}

// Ready pings the backend.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return apperrors.Unavailable("ping", err)
	}
	return nil
}

func (s *Service) touchWorker(ctx context.Context, id, model string) {
	if id == UnknownWorker {
		return
	}
	if err := s.workers.Touch(ctx, id, model); err != nil {
		slog.Warn("Worker touch failed", "workerId", id, "error", err)
	}
}

func (s *Service) recordSkipped(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.RecordJobSkipped(ctx, reason)
	}
}

// notify queues the terminal event for the job's callback, if any. Delivery
// never affects the job.
func (s *Service) notify(j *Job, logger *slog.Logger) {
	if s.callback == nil || j.Callback == nil || j.Callback.URL == "" {
		return
	}
	ev := s.events.Build(j)
	if !FilteredEvents(ev.Type, j.Callback.Events) {
		return
	}
	key := j.Callback.Key
	if key == "" {
		key = s.signingKey
	}
	err := s.callback.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: j.Callback.URL,
		SigningKey:  key,
	})
	if err != nil {
		logger.Warn("Callback not queued", "error", err)
	}
}

func validateSubmit(req *SubmitRequest) (*Callback, error) {
	if len(req.Messages) == 0 {
		return nil, apperrors.Validation("messages", "messages must be a non-empty list")
	}
	for i, m := range req.Messages {
		if !m.IsObject() {
			return nil, apperrors.Validation(fmt.Sprintf("messages[%d]", i), "every message must be a JSON object")
		}
	}
	if meta := bytes.TrimSpace(req.Metadata); len(meta) == 0 || bytes.Equal(meta, []byte("null")) {
		req.Metadata = nil
	} else if meta[0] != '{' || !json.Valid(meta) {
		return nil, apperrors.Validation("metadata", "metadata must be a JSON object")
	}

	cb := req.Callback
	if cb == nil && req.CallbackURL != "" {
		cb = &Callback{URL: req.CallbackURL}
	}
	if cb == nil {
		return nil, nil
	}
	if cb.URL == "" {
		return nil, apperrors.Validation("callback.url", "callback URL is required")
	}
	if err := validateURL(cb.URL); err != nil {
		return nil, apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
	}
	if len(cb.Events) > maxCallbackEvents {
		return nil, apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
	}
	for _, e := range cb.Events {
		if !knownEvent(e) {
			return nil, apperrors.Validation("callback.events", fmt.Sprintf("unknown callback event %q", e))
		}
	}
	return cb, nil
}

func validateComplete(req *CompleteRequest) error {
	if req.JobID == "" {
		return apperrors.Validation("job_id", "job_id is required")
	}
	if !req.Status.Terminal() {
		return apperrors.Validation("status", fmt.Sprintf("status must be %q or %q", StateCompleted, StateFailed))
	}
	if req.Status == StateFailed && req.Error == "" {
		req.Error = "worker reported failure"
	}
	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
