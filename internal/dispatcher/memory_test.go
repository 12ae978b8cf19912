package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cerebro/internal/testutil"
	"cerebro/pkg/backoff"
	"cerebro/pkg/cloudevent"
)

func fastConfig() MemoryConfig {
	return MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 2 * time.Second,
		MaxRetries:  3,
		Backoff:     backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func newTestDispatcher(t *testing.T, cfg MemoryConfig) *MemoryDispatcher {
	t.Helper()
	d := NewMemory(cfg, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func completedEvent(dest string) *Event {
	return &Event{
		Payload:     cloudevent.New("cerebro.job.completed", "/cerebro", "job-1", map[string]string{"status": "completed"}),
		Destination: dest,
	}
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, fastConfig())
	require.NoError(t, d.Dispatch(completedEvent(srv.URL)))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, int64(1), d.Stats().Queued)
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := fastConfig()
	cfg.BufferSize = 2
	d := newTestDispatcher(t, cfg)

	var full int
	for range 6 {
		if err := d.Dispatch(completedEvent(srv.URL)); err == ErrBufferFull {
			full++
		}
	}
	assert.Positive(t, full)
	assert.Equal(t, int64(full), d.Stats().Dropped)
}

func TestMemoryDispatcher_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	d := newTestDispatcher(t, fastConfig())
	require.NoError(t, d.Dispatch(completedEvent(srv.URL)))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), d.Stats().RetriesTotal)
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, fastConfig())
	require.NoError(t, d.Dispatch(completedEvent(srv.URL)))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 }, testutil.WithTimeout(5*time.Second))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMemoryDispatcher_CircuitOpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = 200 * time.Millisecond
	cfg.MaxRequeues = 20
	d := newTestDispatcher(t, cfg)

	for range 5 {
		require.NoError(t, d.Dispatch(completedEvent(srv.URL)))
	}

	testutil.MustWaitFor(t, func() bool { return d.Stats().Requeued > 0 }, testutil.WithTimeout(5*time.Second))
	assert.Equal(t, 1, d.Stats().BreakersOpen)
	assert.Equal(t, int64(2), d.Stats().Failed)

	healthy.Store(true)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 3 }, testutil.WithTimeout(5*time.Second))
	assert.Equal(t, 0, d.Stats().BreakersOpen)
}

func TestMemoryDispatcher_DropsAfterMaxRequeues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Hour
	cfg.MaxRequeues = 0
	d := newTestDispatcher(t, cfg)

	require.NoError(t, d.Dispatch(completedEvent(srv.URL)))
	require.NoError(t, d.Dispatch(completedEvent(srv.URL)))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Dropped == 1 }, testutil.WithTimeout(5*time.Second))
	assert.Equal(t, int64(1), d.Stats().Failed)
	assert.Equal(t, int64(0), d.Stats().Requeued)
}

func TestMemoryDispatcher_SignsPayload(t *testing.T) {
	var mu sync.Mutex
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		sig = r.Header.Get(cloudevent.SignatureHeader)
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, fastConfig())
	ev := completedEvent(srv.URL)
	ev.SigningKey = "secret-key"
	require.NoError(t, d.Dispatch(ev))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cloudevent.Verify(body, sig, "secret-key"))
}

func TestMemoryDispatcher_GracefulShutdownDrains(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Workers = 2
	d := NewMemory(cfg, nil, nil)
	for range 10 {
		require.NoError(t, d.Dispatch(completedEvent(srv.URL)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, int32(10), received.Load())

	assert.ErrorIs(t, d.Dispatch(completedEvent(srv.URL)), ErrClosed)
	assert.NoError(t, d.Close(ctx), "second close is a no-op")
}

type recordingMetrics struct {
	delivered, failed, dropped, requeued atomic.Int32
}

func (m *recordingMetrics) RecordDispatcherDelivered(context.Context, float64) { m.delivered.Add(1) }
func (m *recordingMetrics) RecordDispatcherFailed(context.Context)             { m.failed.Add(1) }
func (m *recordingMetrics) RecordDispatcherDropped(context.Context)            { m.dropped.Add(1) }
func (m *recordingMetrics) RecordDispatcherRequeued(context.Context)           { m.requeued.Add(1) }
func (m *recordingMetrics) RecordDispatcherQueueSize(context.Context, int64)   {}

func TestMemoryDispatcher_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusGone)
		}
	}))
	defer srv.Close()

	m := &recordingMetrics{}
	d := NewMemory(fastConfig(), m, nil)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	require.NoError(t, d.Dispatch(completedEvent(srv.URL+"/ok")))
	require.NoError(t, d.Dispatch(completedEvent(srv.URL+"/bad")))

	testutil.MustWaitFor(t, func() bool { return m.delivered.Load() == 1 && m.failed.Load() == 1 }, testutil.WithTimeout(5*time.Second))
}
