// Package worker runs the consumer side of the coordinator: it registers,
// pulls jobs, hands them to a Processor and reports each outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"cerebro/pkg/backoff"
	"cerebro/pkg/client"
)

const (
	completeAttempts  = 5
	deregisterTimeout = 5 * time.Second
)

// Stats counts outcomes reported by a runner.
type Stats struct {
	Completed int64
	Failed    int64
	Errors    int64 // dequeue or report failures
}

// Runner pulls jobs for one worker id until its context ends.
type Runner struct {
	config *Config
	proc   Processor
	client *client.Client
	retry  backoff.Policy

	completed atomic.Int64
	failed    atomic.Int64
	errors    atomic.Int64
}

// NewRunner creates a runner. The client should carry the worker id and API
// key from cfg.
func NewRunner(cfg *Config, proc Processor, c *client.Client) *Runner {
	return &Runner{
		config: cfg,
		proc:   proc,
		client: c,
		retry:  backoff.Policy{Initial: time.Second, Max: cfg.MaxBackoff, Jitter: 0.2},
	}
}

func (r *Runner) Stats() Stats {
	return Stats{
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Errors:    r.errors.Load(),
	}
}

// Run registers the worker and processes jobs until ctx is cancelled. The
// worker is deregistered on the way out.
func (r *Runner) Run(ctx context.Context) error {
	logger := slog.With("workerId", r.config.WorkerID, "coordinator", r.config.CoordinatorURL)
	logger.Info("Worker starting", "model", r.config.Model)

	r.register(ctx, logger)
	defer r.deregister(logger)

	failures := 0
	for ctx.Err() == nil {
		j, err := r.client.Next(ctx, r.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			r.errors.Add(1)
			delay := r.retry.Delay(failures)
			logger.Warn("Dequeue failed", "error", err, "retryIn", delay)
			if !sleep(ctx, delay) {
				break
			}
			continue
		}
		failures = 0

		if j == nil {
			if r.config.PollInterval > 0 && !sleep(ctx, r.config.PollInterval) {
				break
			}
			continue
		}

		r.handle(ctx, j)
	}

	logger.Info("Worker stopping", "completed", r.completed.Load(), "failed", r.failed.Load())
	return nil
}

func (r *Runner) handle(ctx context.Context, j *client.Job) {
	logger := slog.With("jobId", j.ID, "workerId", r.config.WorkerID)
	start := time.Now()

	req := client.CompleteRequest{
		JobID:    j.ID,
		Model:    r.config.Model,
		WorkerID: r.config.WorkerID,
	}
	out, err := r.proc.Process(ctx, j)
	if out.Model != "" {
		req.Model = out.Model
	}
	if err != nil {
		req.Status = client.StateFailed
		req.Error = err.Error()
	} else {
		req.Status = client.StateCompleted
		req.Result = out.Result
	}

	// The job is already claimed, so the outcome is reported even while
	// shutting down.
	reportCtx := context.WithoutCancel(ctx)
	if err := r.complete(reportCtx, req); err != nil {
		r.errors.Add(1)
		logger.Error("Failed to report job outcome", "status", req.Status, "error", err)
		return
	}

	if req.Status == client.StateCompleted {
		r.completed.Add(1)
	} else {
		r.failed.Add(1)
	}
	logger.Info("Job processed", "status", req.Status, "model", req.Model, "duration", time.Since(start))
}

// complete reports req, retrying transport and server errors. A 404 or 409
// means the coordinator already settled the job and is not retried.
func (r *Runner) complete(ctx context.Context, req client.CompleteRequest) error {
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if _, err = r.client.Complete(ctx, req); err == nil {
			return nil
		}
		if client.IsNotFound(err) || client.IsConflict(err) {
			return err
		}
		status := client.StatusOf(err)
		if status >= 400 && status < 500 {
			return err
		}
		if attempt < completeAttempts && !sleep(ctx, r.retry.Delay(attempt)) {
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

func (r *Runner) register(ctx context.Context, logger *slog.Logger) {
	w := client.Worker{ID: r.config.WorkerID, Hostname: defaultWorkerID(), Model: r.config.Model}
	if _, err := r.client.RegisterWorker(ctx, w); err != nil {
		logger.Warn("Worker registration failed, continuing unregistered", "error", err)
		return
	}
	logger.Info("Worker registered")
}

func (r *Runner) deregister(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if err := r.client.DeregisterWorker(ctx, r.config.WorkerID); err != nil && !client.IsNotFound(err) {
		logger.Warn("Worker deregistration failed", "error", err)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
