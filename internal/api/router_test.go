package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cerebro/internal/backend"
	"cerebro/internal/config"
	"cerebro/internal/health"
	"cerebro/internal/history"
	"cerebro/internal/job"
	"cerebro/internal/registry"
)

type apiFixture struct {
	t       *testing.T
	store   *backend.MemoryStore
	handler http.Handler
}

func newAPI(t *testing.T, configure ...func(*RouterConfig)) *apiFixture {
	t.Helper()
	store := backend.NewMemory()
	t.Cleanup(func() { store.Close() })

	svc := job.NewService(store, config.CoordinatorConfig{
		ProcessingTimeout: 2 * time.Second,
		BlockTimeout:      100 * time.Millisecond,
		JobTTL:            time.Hour,
		HistorySize:       10,
	})
	cfg := RouterConfig{
		JobService:    svc,
		HealthChecker: health.NewChecker(svc),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	return &apiFixture{t: t, store: store, handler: NewRouter(cfg)}
}

// do sends a request; headers are given as name, value pairs.
func (f *apiFixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return v
}

func (f *apiFixture) submit(path string) string {
	f.t.Helper()
	w := f.do(http.MethodPost, path, `{"messages":[{"role":"user","content":"hello"}]}`)
	if w.Code != http.StatusCreated {
		f.t.Fatalf("submit: expected %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	resp := decodeBody[submitResponse](f.t, w)
	if resp.JobID == "" || resp.Status != job.StateQueued {
		f.t.Fatalf("submit: unexpected response %+v", resp)
	}
	return resp.JobID
}

func TestRouter_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	id := f.submit("/v1/jobs")

	w := f.do(http.MethodPost, "/v1/jobs/next?timeout=1", "", WorkerIDHeader, "w1")
	if w.Code != http.StatusOK {
		t.Fatalf("next: expected %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	dispatched := decodeBody[job.Job](t, w)
	if dispatched.ID != id || dispatched.State != job.StateProcessing || dispatched.WorkerID != "w1" {
		t.Fatalf("next: unexpected job %+v", dispatched)
	}

	w = f.do(http.MethodPost, "/v1/jobs/"+id+"/complete", `{"status":"completed","result":{"response":"hi"},"model":"llama3"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	done := decodeBody[job.Job](t, w)
	if done.State != job.StateCompleted || done.Model != "llama3" || done.CompletedAt == nil {
		t.Errorf("complete: unexpected job %+v", done)
	}

	w = f.do(http.MethodGet, "/v1/jobs/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected %d, got %d", http.StatusOK, w.Code)
	}
	got := decodeBody[job.Job](t, w)
	if got.State != job.StateCompleted || string(got.Result) != `{"response":"hi"}` {
		t.Errorf("get: unexpected job %+v", got)
	}

	w = f.do(http.MethodPost, "/v1/jobs/"+id+"/complete", `{"status":"failed","error":"late"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second complete: expected %d, got %d", http.StatusConflict, w.Code)
	}

	w = f.do(http.MethodGet, "/v1/stats", "")
	stats := decodeBody[job.Stats](t, w)
	if stats.Completed != 1 || stats.Queued != 0 || stats.QueueLength != 0 {
		t.Errorf("stats: unexpected %+v", stats)
	}

	w = f.do(http.MethodGet, "/v1/history?limit=5", "")
	entries := decodeBody[[]history.Entry](t, w)
	if len(entries) != 1 || entries[0].JobID != id || entries[0].ResultPreview != "hi" {
		t.Errorf("history: unexpected %+v", entries)
	}
}

func TestRouter_LegacyRoutes(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	id := f.submit("/submit_job")

	w := f.do(http.MethodPost, "/get_job", "", WorkerIDHeader, "legacy")
	if w.Code != http.StatusOK {
		t.Fatalf("get_job: expected %d, got %d", http.StatusOK, w.Code)
	}
	if j := decodeBody[job.Job](t, w); j.ID != id || j.WorkerID != "legacy" {
		t.Fatalf("get_job: unexpected job %+v", j)
	}

	w = f.do(http.MethodPost, "/complete_job", fmt.Sprintf(`{"job_id":%q,"status":"failed"}`, id))
	if w.Code != http.StatusOK {
		t.Fatalf("complete_job: expected %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/get_result/"+id, "")
	got := decodeBody[job.Job](t, w)
	if got.State != job.StateFailed || got.Error == "" {
		t.Errorf("get_result: unexpected job %+v", got)
	}

	w = f.do(http.MethodGet, "/stats", "")
	if stats := decodeBody[job.Stats](t, w); stats.Failed != 1 {
		t.Errorf("stats: unexpected %+v", stats)
	}

	w = f.do(http.MethodGet, "/recent_jobs", "")
	if entries := decodeBody[[]history.Entry](t, w); len(entries) != 1 {
		t.Errorf("recent_jobs: expected 1 entry, got %d", len(entries))
	}
}

func TestRouter_NextJobIdle(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	start := time.Now()
	w := f.do(http.MethodPost, "/v1/jobs/next?timeout=0.05&worker_id=w1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected %d, got %d", http.StatusNoContent, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("idle dequeue took %v", elapsed)
	}
}

func TestRouter_Errors(t *testing.T) {
	t.Parallel()
	f := newAPI(t)
	id := f.submit("/v1/jobs")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "empty messages", method: http.MethodPost, path: "/v1/jobs", body: `{"messages":[]}`, want: http.StatusBadRequest},
		{name: "message not an object", method: http.MethodPost, path: "/v1/jobs", body: `{"messages":["x"]}`, want: http.StatusBadRequest},
		{name: "metadata not an object", method: http.MethodPost, path: "/v1/jobs", body: `{"messages":[{"role":"user"}],"metadata":[1]}`, want: http.StatusBadRequest},
		{name: "bad callback", method: http.MethodPost, path: "/v1/jobs", body: `{"messages":[{"role":"user"}],"callback_url":"ftp://x"}`, want: http.StatusBadRequest},
		{name: "unknown job", method: http.MethodGet, path: "/v1/jobs/missing", want: http.StatusNotFound},
		{name: "complete queued job", method: http.MethodPost, path: "/v1/jobs/" + id + "/complete", body: `{"status":"completed"}`, want: http.StatusConflict},
		{name: "complete bad status", method: http.MethodPost, path: "/v1/jobs/" + id + "/complete", body: `{"status":"processing"}`, want: http.StatusBadRequest},
		{name: "complete id mismatch", method: http.MethodPost, path: "/v1/jobs/" + id + "/complete", body: `{"job_id":"other","status":"completed"}`, want: http.StatusBadRequest},
		{name: "complete missing id", method: http.MethodPost, path: "/complete_job", body: `{"status":"completed"}`, want: http.StatusBadRequest},
		{name: "complete unknown job", method: http.MethodPost, path: "/complete_job", body: `{"job_id":"missing","status":"completed"}`, want: http.StatusNotFound},
		{name: "bad history limit", method: http.MethodGet, path: "/v1/history?limit=ten", want: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodPut, path: "/v1/stats", want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	// None of the rejected submits reached the queue.
	w := f.do(http.MethodGet, "/v1/stats", "")
	if stats := decodeBody[job.Stats](t, w); stats.QueueLength != 1 || stats.Queued != 1 {
		t.Errorf("stats: unexpected %+v", stats)
	}
}

func TestRouter_MessagesPassThrough(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	msg := `{"role":"user","content":"look","images":["aGk="]}`
	bare := `{"content":"no role"}`
	meta := `{"trace":9007199254740993}`
	w := f.do(http.MethodPost, "/v1/jobs", `{"messages":[`+msg+`,`+bare+`],"metadata":`+meta+`}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	id := decodeBody[submitResponse](t, w).JobID

	want := `"messages":[` + msg + `,` + bare + `],"metadata":` + meta
	w = f.do(http.MethodGet, "/v1/jobs/"+id, "")
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("get: body %s does not contain %s", w.Body.String(), want)
	}
	w = f.do(http.MethodPost, "/v1/jobs/next?timeout=1", "", WorkerIDHeader, "w1")
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("next: body %s does not contain %s", w.Body.String(), want)
	}
}

func TestRouter_Workers(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	w := f.do(http.MethodPost, "/register_worker", `{"model":"llama3","metadata":{"gpu":"a100"}}`,
		WorkerIDHeader, "w1", "User-Agent", "cerebro-worker/1.0")
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	reg := decodeBody[registry.Worker](t, w)
	if reg.ID != "w1" || reg.Model != "llama3" || reg.Hostname == "" {
		t.Errorf("register: unexpected worker %+v", reg)
	}
	if reg.Metadata["user_agent"] != "cerebro-worker/1.0" || reg.Metadata["gpu"] != "a100" {
		t.Errorf("register: unexpected metadata %v", reg.Metadata)
	}

	w = f.do(http.MethodPost, "/v1/workers", `{"worker_id":"w2","hostname":"gpu-2"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register w2: expected %d, got %d", http.StatusCreated, w.Code)
	}

	w = f.do(http.MethodGet, "/workers", "")
	workers := decodeBody[[]registry.Worker](t, w)
	if len(workers) != 2 || workers[0].ID != "w1" || workers[1].Hostname != "gpu-2" {
		t.Fatalf("list: unexpected %+v", workers)
	}

	w = f.do(http.MethodDelete, "/v1/workers/w1", "")
	if w.Code != http.StatusOK {
		t.Errorf("deregister: expected %d, got %d", http.StatusOK, w.Code)
	}
	w = f.do(http.MethodDelete, "/v1/workers/w1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("deregister again: expected %d, got %d", http.StatusNotFound, w.Code)
	}

	w = f.do(http.MethodPost, "/deregister_worker", `{}`, WorkerIDHeader, "w2")
	if w.Code != http.StatusOK {
		t.Errorf("legacy deregister: expected %d, got %d", http.StatusOK, w.Code)
	}
	if resp := decodeBody[statusResponse](t, w); resp.Status != "deregistered" {
		t.Errorf("legacy deregister: unexpected body %+v", resp)
	}

	w = f.do(http.MethodPost, "/deregister_worker", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("deregister without id: expected %d, got %d", http.StatusBadRequest, w.Code)
	}

	w = f.do(http.MethodPost, "/v1/workers", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("register without id: expected %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	f := newAPI(t, func(cfg *RouterConfig) { cfg.APIKey = "secret" })

	if w := f.do(http.MethodGet, "/v1/stats", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected %d, got %d", http.StatusUnauthorized, w.Code)
	}
	if w := f.do(http.MethodGet, "/stats", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("legacy route without token: expected %d, got %d", http.StatusUnauthorized, w.Code)
	}
	if w := f.do(http.MethodGet, "/v1/stats", "", "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("valid token: expected %d, got %d", http.StatusOK, w.Code)
	}
	for _, path := range []string{"/livez", "/readyz", "/health"} {
		if w := f.do(http.MethodGet, path, ""); w.Code != http.StatusOK {
			t.Errorf("%s: expected %d without auth, got %d", path, http.StatusOK, w.Code)
		}
	}
}

func TestRouter_SubmitRateLimit(t *testing.T) {
	t.Parallel()
	f := newAPI(t, func(cfg *RouterConfig) {
		cfg.SubmitRateLimit = 0.001
		cfg.SubmitRateBurst = 1
	})

	f.submit("/v1/jobs")

	w := f.do(http.MethodPost, "/submit_job", `{"messages":[{"role":"user","content":"again"}]}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected %d, got %d", http.StatusTooManyRequests, w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Only submission is limited.
	if w := f.do(http.MethodGet, "/v1/stats", ""); w.Code != http.StatusOK {
		t.Errorf("stats: expected %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRouter_HealthReflectsStore(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	w := f.do(http.MethodGet, "/health", "")
	if resp := decodeBody[statusResponse](t, w); w.Code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("expected ok, got %d %+v", w.Code, resp)
	}

	closed := newAPI(t)
	closed.store.Close()
	w = closed.do(http.MethodGet, "/health", "")
	if resp := decodeBody[statusResponse](t, w); w.Code != http.StatusServiceUnavailable || resp.Status != "error" {
		t.Errorf("expected error, got %d %+v", w.Code, resp)
	}
	if w := closed.do(http.MethodGet, "/v1/stats", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("stats on closed store: expected %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	t.Parallel()
	f := newAPI(t)

	w := f.do(http.MethodGet, "/livez", "")
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a request id on every response")
	}
}
