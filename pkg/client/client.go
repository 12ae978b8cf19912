// Package client is a Go client for the coordinator HTTP API. It retries
// requests the server rejects as temporarily unavailable or rate limited.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cerebro/internal/history"
	"cerebro/internal/job"
	"cerebro/internal/registry"
	"cerebro/pkg/backoff"
)

// Wire types shared with the server.
type (
	Job             = job.Job
	Message         = job.Message
	Callback        = job.Callback
	SubmitRequest   = job.SubmitRequest
	CompleteRequest = job.CompleteRequest
	Stats           = job.Stats
	Worker          = registry.Worker
	HistoryEntry    = history.Entry
	State           = job.State
)

const (
	StateQueued     = job.StateQueued
	StateProcessing = job.StateProcessing
	StateCompleted  = job.StateCompleted
	StateFailed     = job.StateFailed
)

const (
	workerIDHeader = "X-Worker-ID"

	defaultMaxRetries = 3
)

// DefaultRetry is the schedule used when WithRetry is not given.
// NewMessage builds a chat message with plain-text content.
func NewMessage(role, text string) Message { return job.NewMessage(role, text) }

var DefaultRetry = backoff.Policy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}

// Error is a non-2xx response from the coordinator.
type Error struct {
	StatusCode int
	Message    string `json:"error"`
	Status     string `json:"status"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator returned %d", e.StatusCode)
	}
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

// StatusOf returns the HTTP status of err, or 0 if it is not an *Error.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }

func IsConflict(err error) bool { return StatusOf(err) == http.StatusConflict }

// Client talks to one coordinator. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	workerID   string
	retry      backoff.Policy
	maxRetries int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithWorkerID identifies the caller on dequeue and completion.
func WithWorkerID(id string) Option {
	return func(c *Client) { c.workerID = id }
}

// WithRetry sets the retry schedule for 429 and 503 responses. maxRetries of
// zero disables retrying.
func WithRetry(p backoff.Policy, maxRetries int) Option {
	return func(c *Client) {
		c.retry = p
		c.maxRetries = max(maxRetries, 0)
	}
}

// New creates a client for the coordinator at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		retry:      DefaultRetry,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Next waits up to timeout for a job. It returns (nil, nil) when none became
// available. A zero timeout uses the server default.
func (c *Client) Next(ctx context.Context, timeout time.Duration) (*Job, error) {
	path := "/v1/jobs/next"
	if timeout > 0 {
		path += "?timeout=" + strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
	}
	var j Job
	status, err := c.do(ctx, http.MethodPost, path, nil, &j)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &j, nil
}

// Complete reports the outcome of a dequeued job.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (*Job, error) {
	if req.WorkerID == "" {
		req.WorkerID = c.workerID
	}
	var j Job
	if _, err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(req.JobID)+"/complete", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if _, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Wait polls a job until it reaches a terminal state.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if _, err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Recent returns the latest terminal jobs, newest first.
func (c *Client) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []HistoryEntry
	if _, err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) RegisterWorker(ctx context.Context, w Worker) (*Worker, error) {
	if w.ID == "" {
		w.ID = c.workerID
	}
	var out Worker
	if _, err := c.do(ctx, http.MethodPost, "/v1/workers", w, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeregisterWorker(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/workers/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) ListWorkers(ctx context.Context) ([]Worker, error) {
	var workers []Worker
	if _, err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// Health reports whether the coordinator can reach its store.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// do sends a request, retrying retryable statuses, and decodes a 2xx body
// into out when out is non-nil and the response has content.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		status, retryAfter, err := c.once(ctx, method, path, body, out)
		if err == nil || attempt >= c.maxRetries || !retryable(status) {
			return status, err
		}

		delay := max(c.retry.Delay(attempt+1), retryAfter)
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.workerID != "" {
		req.Header.Set(workerIDHeader, c.workerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, apiErr)
		return resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")), apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, 0, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, 0, nil
}

func retryable(status int) bool {
	return status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests
}

// retryAfter parses a Retry-After value in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
