// Package api provides the HTTP API handlers and routing for the coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"cerebro/internal/apperrors"
	"cerebro/internal/health"
	"cerebro/internal/history"
	"cerebro/internal/job"
	"cerebro/internal/registry"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// WorkerIDHeader names the calling worker on dequeue and completion.
const WorkerIDHeader = "X-Worker-ID"

// statusClientClosedRequest is logged when the caller hangs up mid-request.
const statusClientClosedRequest = 499

const maxTimeoutSeconds = 24 * 60 * 60

// Handler contains HTTP handlers for the coordinator API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

type submitResponse struct {
	JobID  string    `json:"job_id"`
	Status job.State `json:"status"`
}

type registerRequest struct {
	WorkerID string            `json:"worker_id"`
	Hostname string            `json:"hostname,omitempty"`
	Model    string            `json:"model,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// SubmitJob handles POST /v1/jobs and POST /submit_job
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}

	j, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, submitResponse{JobID: j.ID, Status: j.State})
}

// NextJob handles POST /v1/jobs/next and POST /get_job. It blocks for up
// to the requested timeout and answers 204 when no job became available.
func (h *Handler) NextJob(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	workerID := r.Header.Get(WorkerIDHeader)
	if workerID == "" {
		workerID = r.URL.Query().Get("worker_id")
	}

	j, err := h.svc.Dequeue(r.Context(), workerID, timeout)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// CompleteJob handles POST /v1/jobs/{jobId}/complete and POST /complete_job.
// The path id, when present, must agree with any job_id in the body.
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req job.CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}

	if pathID := r.PathValue("jobId"); pathID != "" {
		if req.JobID != "" && req.JobID != pathID {
			h.handleError(w, r, apperrors.Validation("job_id", "job_id in body does not match the path"))
			return
		}
		req.JobID = pathID
	}
	if req.WorkerID == "" {
		req.WorkerID = r.Header.Get(WorkerIDHeader)
	}

	j, err := h.svc.Complete(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetJob handles GET /v1/jobs/{jobId} and GET /get_result/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// Stats handles GET /v1/stats and GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// History handles GET /v1/history and GET /recent_jobs
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("limit", "limit must be an integer"))
			return
		}
		limit = n
	}

	entries, err := h.svc.Recent(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// RegisterWorker handles POST /v1/workers and POST /register_worker
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	wk := registry.Worker{
		ID:       req.WorkerID,
		Hostname: req.Hostname,
		Model:    req.Model,
		Metadata: req.Metadata,
	}
	if wk.ID == "" {
		wk.ID = r.Header.Get(WorkerIDHeader)
	}
	if wk.Hostname == "" {
		wk.Hostname = req.Metadata["hostname"]
	}
	if wk.Hostname == "" {
		wk.Hostname = remoteHost(r)
	}
	if wk.Model == "" {
		wk.Model = req.Metadata["model"]
	}
	if ua := r.UserAgent(); ua != "" {
		if wk.Metadata == nil {
			wk.Metadata = make(map[string]string, 1)
		}
		wk.Metadata["user_agent"] = ua
	}

	registered, err := h.svc.RegisterWorker(r.Context(), wk)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, registered)
}

// DeregisterWorker handles DELETE /v1/workers/{workerId}
func (h *Handler) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	h.deregister(w, r, r.PathValue("workerId"))
}

// DeregisterWorkerLegacy handles POST /deregister_worker, taking the id from
// the body or the worker header.
func (h *Handler) DeregisterWorkerLegacy(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := req.WorkerID
	if id == "" {
		id = r.Header.Get(WorkerIDHeader)
	}
	h.deregister(w, r, id)
}

func (h *Handler) deregister(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		h.handleError(w, r, apperrors.Validation("worker_id", "worker_id is required"))
		return
	}
	if err := h.svc.DeregisterWorker(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, statusResponse{Status: "deregistered"})
}

// ListWorkers handles GET /v1/workers and GET /workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.svc.ListWorkers(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, workers)
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness check.
// Returns 503 when the backing store cannot be reached.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// Health handles GET /health with the short {"status":"ok"|"error"} body.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health.Readiness(r.Context()).IsHealthy() {
		h.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error"})
}

// decode reads a JSON object body, writing a 400 and returning false when it
// cannot.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid or missing JSON payload: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: message, Status: http.StatusText(status)}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		slog.Debug("Client went away", "path", r.URL.Path)
		w.WriteHeader(statusClientClosedRequest)
		return
	}

	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// parseTimeout reads a wait in seconds. Fractions are allowed; empty means
// the service default.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, apperrors.Validation("timeout", fmt.Sprintf("timeout must be a non-negative number of seconds, got %q", raw))
	}
	// The service caps waits far below this; it only keeps the conversion in range.
	secs = math.Min(secs, maxTimeoutSeconds)
	return time.Duration(secs * float64(time.Second)), nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
