package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// QueueSnapshot is the point-in-time view reported by the queue gauges.
type QueueSnapshot struct {
	QueueLength int64
	ByState     map[string]int64
}

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: request latency, time spent queued, end-to-end job duration
// - Traffic: requests, submits, dispatches, completions
// - Errors: HTTP errors, failed jobs, skipped dispatches
// - Saturation: queue depth and jobs per state
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobsSubmitted  metric.Int64Counter
	JobsDispatched metric.Int64Counter
	JobsFinished   metric.Int64Counter
	JobsSkipped    metric.Int64Counter
	DequeueIdle    metric.Int64Counter
	JobQueueWait   metric.Float64Histogram
	JobDuration    metric.Float64Histogram
	QueueDepth     metric.Int64ObservableGauge
	JobsByState    metric.Int64ObservableGauge

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation

	registration metric.Registration
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("cerebro"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsDispatched, err = meter.Int64Counter(
		"jobs_dispatched_total",
		metric.WithDescription("Total number of jobs handed to workers"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsSkipped, err = meter.Int64Counter(
		"jobs_skipped_total",
		metric.WithDescription("Queue entries dropped at dequeue because the record expired or moved on"),
	)
	if err != nil {
		return nil, err
	}

	m.DequeueIdle, err = meter.Int64Counter(
		"dequeue_idle_total",
		metric.WithDescription("Dequeue calls that timed out without work"),
	)
	if err != nil {
		return nil, err
	}

	m.JobQueueWait, err = meter.Float64Histogram(
		"job_queue_wait_seconds",
		metric.WithDescription("Time between submission and dispatch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time between dispatch and completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(
		"job_queue_depth",
		metric.WithDescription("Number of job ids waiting in the dispatch queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsByState, err = meter.Int64ObservableGauge(
		"jobs_by_state",
		metric.WithDescription("Number of live job records per state"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveQueue registers a callback that reports queue depth and per-state
// counts whenever metrics are scraped. Calling it again replaces the
// previous callback.
func (m *Metrics) ObserveQueue(snapshot func(context.Context) (QueueSnapshot, error)) error {
	if m.registration != nil {
		if err := m.registration.Unregister(); err != nil {
			return err
		}
	}
	reg, err := m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap, err := snapshot(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(m.QueueDepth, snap.QueueLength)
		for state, n := range snap.ByState {
			o.ObserveInt64(m.JobsByState, n, metric.WithAttributes(stateAttr(state)))
		}
		return nil
	}, m.QueueDepth, m.JobsByState)
	if err != nil {
		return err
	}
	m.registration = reg
	return nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job entering the queue.
func (m *Metrics) RecordJobSubmitted(ctx context.Context) {
	m.JobsSubmitted.Add(ctx, 1)
}

// RecordJobDispatched records a job handed to a worker after waiting
// queuedSeconds in the queue.
func (m *Metrics) RecordJobDispatched(ctx context.Context, queuedSeconds float64) {
	m.JobsDispatched.Add(ctx, 1)
	m.JobQueueWait.Record(ctx, queuedSeconds)
}

// RecordJobSkipped records a queue entry that could not be dispatched.
func (m *Metrics) RecordJobSkipped(ctx context.Context, reason string) {
	m.JobsSkipped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordDequeueIdle records a dequeue that found no work.
func (m *Metrics) RecordDequeueIdle(ctx context.Context) {
	m.DequeueIdle.Add(ctx, 1)
}

// RecordJobFinished records a terminal transition.
func (m *Metrics) RecordJobFinished(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
