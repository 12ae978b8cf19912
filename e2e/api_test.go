//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cerebro/internal/api"
	"cerebro/internal/backend"
	"cerebro/internal/config"
	"cerebro/internal/dispatcher"
	"cerebro/internal/health"
	"cerebro/internal/job"
	"cerebro/internal/testutil"
	"cerebro/internal/worker"
	"cerebro/pkg/client"
	"cerebro/pkg/cloudevent"
)

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server backed by miniredis is created.
func getTestURL(t testing.TB) string {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return createTestServer(t).URL
}

func createTestServer(tb testing.TB) *httptest.Server {
	tb.Helper()
	mr := miniredis.RunT(tb)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	store := backend.NewRedis(rdb, backend.WithPollInterval(5*time.Millisecond))

	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize: 100,
		Workers:    2,
	}, nil, nil)

	svc := job.NewService(store, config.CoordinatorConfig{
		ProcessingTimeout: 5 * time.Second,
		BlockTimeout:      200 * time.Millisecond,
		JobTTL:            time.Hour,
		HistorySize:       50,
		WorkerTTL:         time.Hour,
	}, job.WithCallbacks(eventDispatcher, "e2e-signing-key"))

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: health.NewChecker(svc),
	}))
	tb.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eventDispatcher.Close(ctx)
		_ = store.Close()
	})
	return server
}

// startWorker runs an echo worker until the test ends.
func startWorker(t testing.TB, baseURL, id string) *worker.Runner {
	t.Helper()
	cfg := &worker.Config{
		CoordinatorURL: baseURL,
		WorkerID:       id,
		Model:          "echo",
		DequeueTimeout: 200 * time.Millisecond,
		MaxBackoff:     time.Second,
		RequestTimeout: 5 * time.Second,
	}
	runner := worker.NewRunner(cfg, worker.Echo{}, client.New(baseURL, client.WithWorkerID(id)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return runner
}

func userMessage(text string) client.Message {
	return client.NewMessage("user", text)
}

func TestAPI_Readyz(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestAPI_Livez(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/livez")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestAPI_FullFlow(t *testing.T) {
	baseURL := getTestURL(t)
	ctx := context.Background()
	c := client.New(baseURL)

	id, err := c.Submit(ctx, client.SubmitRequest{
		Messages: []client.Message{userMessage("What is the capital of France?")},
		Metadata: json.RawMessage(`{"source":"e2e"}`),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	j, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.State != client.StateQueued {
		t.Errorf("Expected queued, got %s", j.State)
	}

	startWorker(t, baseURL, fmt.Sprintf("e2e-worker-%d", time.Now().UnixNano()))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	j, err = c.Wait(waitCtx, id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if j.State != client.StateCompleted {
		t.Fatalf("Expected completed, got %s (error %q)", j.State, j.Error)
	}
	if !bytes.Contains(j.Result, []byte("Processed 1 messages.")) {
		t.Errorf("Unexpected result: %s", j.Result)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Error("Expected started_at and completed_at to be set")
	}

	entries, err := c.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.JobID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected job %s in history", id)
	}
}

func TestAPI_JobWithCallbacks(t *testing.T) {
	if os.Getenv("E2E_API_URL") != "" {
		t.Skip("callback receiver is only reachable from the in-process server")
	}

	var eventCount atomic.Int64
	var mu sync.Mutex
	receivedEvents := make([]string, 0)

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		json.NewDecoder(r.Body).Decode(&event)

		if eventType, ok := event["type"].(string); ok {
			mu.Lock()
			receivedEvents = append(receivedEvents, eventType)
			mu.Unlock()
			eventCount.Add(1)
		}
		if r.Header.Get(cloudevent.SignatureHeader) == "" {
			t.Errorf("Expected signed callback")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	baseURL := getTestURL(t)
	ctx := context.Background()
	c := client.New(baseURL)

	_, err := c.Submit(ctx, client.SubmitRequest{
		Messages:    []client.Message{userMessage("callback test")},
		CallbackURL: callbackServer.URL,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	startWorker(t, baseURL, "e2e-callback-worker")

	testutil.MustWaitForCount(t, eventCount.Load, 1, testutil.WithTimeout(30*time.Second))

	mu.Lock()
	defer mu.Unlock()
	if receivedEvents[0] != job.EventTypeCompleted {
		t.Errorf("Expected %s, got %s", job.EventTypeCompleted, receivedEvents[0])
	}
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader([]byte(`{"messages":[]}`)))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid request, got %d", resp.StatusCode)
	}
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	baseURL := getTestURL(t)
	ctx := context.Background()

	const numJobs = 30
	var wg sync.WaitGroup
	ids := make(chan string, numJobs)
	errs := make(chan error, numJobs)

	for i := range numJobs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id, err := client.New(baseURL).Submit(ctx, client.SubmitRequest{
				Messages: []client.Message{userMessage(fmt.Sprintf("job %d", idx))},
			})
			if err != nil {
				errs <- fmt.Errorf("job %d: submit failed: %w", idx, err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	var runners []*worker.Runner
	for i := range 3 {
		runners = append(runners, startWorker(t, baseURL, fmt.Sprintf("e2e-pool-%d", i)))
	}
	completed := func() int64 {
		var n int64
		for _, r := range runners {
			n += r.Stats().Completed
		}
		return n
	}
	testutil.MustWaitForCount(t, completed, numJobs, testutil.WithTimeout(30*time.Second))

	c := client.New(baseURL)
	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("Duplicate job id %s", id)
		}
		seen[id] = true

		j, err := c.Get(ctx, id)
		if err != nil {
			t.Errorf("Get %s failed: %v", id, err)
			continue
		}
		if j.State != client.StateCompleted {
			t.Errorf("Job %s: expected completed, got %s", id, j.State)
		}
	}
}
