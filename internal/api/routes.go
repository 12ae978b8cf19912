package api

import (
	"net/http"

	"cerebro/internal/health"
	"cerebro/internal/job"
	"cerebro/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService      *job.Service
	Metrics         *observability.Metrics
	HealthChecker   *health.Checker
	APIKey          string
	SubmitRateLimit float64
	SubmitRateBurst int
}

// NewRouter creates a new HTTP router with all routes configured. Every /v1
// route is also reachable under the flat path earlier worker builds call.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /health", handler.Health)

	auth := AuthMiddleware(cfg.APIKey)
	limit := RateLimitMiddleware(cfg.SubmitRateLimit, cfg.SubmitRateBurst)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	submit := limit(http.HandlerFunc(handler.SubmitJob))
	mux.Handle("POST /v1/jobs", auth(submit))
	mux.Handle("POST /submit_job", auth(submit))

	handle("POST /v1/jobs/next", handler.NextJob)
	handle("POST /get_job", handler.NextJob)

	handle("POST /v1/jobs/{jobId}/complete", handler.CompleteJob)
	handle("POST /complete_job", handler.CompleteJob)

	handle("GET /v1/jobs/{jobId}", handler.GetJob)
	handle("GET /get_result/{jobId}", handler.GetJob)

	handle("GET /v1/stats", handler.Stats)
	handle("GET /stats", handler.Stats)

	handle("GET /v1/history", handler.History)
	handle("GET /recent_jobs", handler.History)

	handle("POST /v1/workers", handler.RegisterWorker)
	handle("POST /register_worker", handler.RegisterWorker)
	handle("GET /v1/workers", handler.ListWorkers)
	handle("GET /workers", handler.ListWorkers)
	handle("DELETE /v1/workers/{workerId}", handler.DeregisterWorker)
	handle("POST /deregister_worker", handler.DeregisterWorkerLegacy)

	// Apply middleware chain (order matters: outermost last)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
