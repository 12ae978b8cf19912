package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cerebro/internal/api"
	"cerebro/internal/backend"
	"cerebro/internal/config"
	"cerebro/internal/health"
	"cerebro/internal/job"
	"cerebro/pkg/backoff"
)

func newServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	store := backend.NewMemory()
	svc := job.NewService(store, config.CoordinatorConfig{
		ProcessingTimeout: 2 * time.Second,
		BlockTimeout:      100 * time.Millisecond,
		JobTTL:            time.Hour,
		HistorySize:       10,
	})
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: health.NewChecker(svc),
		APIKey:        apiKey,
	}))
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv
}

func userMessage(text string) Message {
	return NewMessage("user", text)
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()
	srv := newServer(t, "secret")
	ctx := context.Background()

	producer := New(srv.URL, WithAPIKey("secret"))
	worker := New(srv.URL, WithAPIKey("secret"), WithWorkerID("gpu-1"))

	id, err := producer.Submit(ctx, SubmitRequest{Messages: []Message{userMessage("hello")}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := worker.Next(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, "gpu-1", j.WorkerID)
	assert.Equal(t, job.StateProcessing, j.State)

	done, err := worker.Complete(ctx, CompleteRequest{
		JobID:  id,
		Status: job.StateCompleted,
		Result: json.RawMessage(`{"response":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, done.State)

	waited, err := producer.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"hi"}`, string(waited.Result))

	stats, err := producer.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)

	entries, err := producer.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].JobID)

	_, err = worker.Complete(ctx, CompleteRequest{JobID: id, Status: job.StateFailed})
	assert.True(t, IsConflict(err), "expected conflict, got %v", err)

	require.NoError(t, producer.Health(ctx))
}

func TestClient_NextIdle(t *testing.T) {
	t.Parallel()
	srv := newServer(t, "")

	j, err := New(srv.URL).Next(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClient_Workers(t *testing.T) {
	t.Parallel()
	srv := newServer(t, "")
	ctx := context.Background()
	c := New(srv.URL, WithWorkerID("w1"))

	w, err := c.RegisterWorker(ctx, Worker{Hostname: "box", Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, "w1", w.ID)

	workers, err := c.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "llama3", workers[0].Model)

	require.NoError(t, c.DeregisterWorker(ctx, "w1"))
	err = c.DeregisterWorker(ctx, "w1")
	assert.True(t, IsNotFound(err), "expected not found, got %v", err)
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()
	srv := newServer(t, "secret")
	ctx := context.Background()

	_, err := New(srv.URL).Stats(ctx)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))

	c := New(srv.URL, WithAPIKey("secret"))
	_, err = c.Get(ctx, "missing")
	require.True(t, IsNotFound(err))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Not Found", apiErr.Status)
	assert.Contains(t, apiErr.Message, "missing")

	_, err = c.Submit(ctx, SubmitRequest{})
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
}

func TestClient_RetriesUnavailable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"store down","status":"Service Unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"job_id":"abc","status":"queued"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}, 3))
	id, err := c.Submit(context.Background(), SubmitRequest{Messages: []Message{userMessage("x")}})
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond}, 2))
	_, err := c.Stats(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(backoff.Policy{Initial: time.Millisecond}, 5))
	_, err := c.Complete(context.Background(), CompleteRequest{JobID: "x", Status: job.StateCompleted})
	assert.True(t, IsConflict(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 2*time.Second, retryAfter("2"))
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("-1"))
	assert.Zero(t, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
