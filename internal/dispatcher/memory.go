package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"cerebro/pkg/circuitbreaker"
	"cerebro/pkg/cloudevent"
)

// MetricsRecorder receives delivery metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordDispatcherDelivered(context.Context, float64) {}
func (noopRecorder) RecordDispatcherFailed(context.Context)             {}
func (noopRecorder) RecordDispatcherDropped(context.Context)            {}
func (noopRecorder) RecordDispatcherRequeued(context.Context)           {}
func (noopRecorder) RecordDispatcherQueueSize(context.Context, int64)   {}

// MemoryDispatcher holds pending callbacks in a bounded channel drained by a
// fixed pool of senders. Callbacks are lost if the process exits before
// they are delivered.
type MemoryDispatcher struct {
	pending  chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory starts the sender pool. metrics and logger may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder, logger *slog.Logger) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	gauge := metrics != nil
	if metrics == nil {
		metrics = noopRecorder{}
	}

	d := &MemoryDispatcher{
		pending: make(chan *Event, cfg.BufferSize),
		sender:  cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   logger.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.run()
	}
	if gauge {
		go d.sampleDepth(5 * time.Second)
	}

	d.logger.Info("Callback dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues event without blocking. A full buffer drops the event.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.pending <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.pending),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close stops intake and lets the senders flush what is already buffered.
// Calling it twice is a no-op.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Callback dispatcher draining", "pending", len(d.pending))
	close(d.shutdown)

	flushed := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		s := d.Stats()
		d.logger.Info("Callback dispatcher stopped", "delivered", s.Delivered, "failed", s.Failed, "dropped", s.Dropped)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Callback dispatcher drain timed out", "pending", len(d.pending))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.pending:
			d.deliver(event)
		case <-d.shutdown:
			for {
				select {
				case event := <-d.pending:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *MemoryDispatcher) sampleDepth(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.pending)))
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := hostOf(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.park(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, event)
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		d.metrics.RecordDispatcherFailed(ctx)
		d.eventLogger(event).Warn("Callback delivery failed", "error", err)
		return
	}
	breaker.RecordSuccess()
	d.delivered.Add(1)
	d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
}

// park holds an event aside while its host's breaker is open and puts it
// back on the queue after the cooldown, up to MaxRequeues times.
func (d *MemoryDispatcher) park(event *Event, host string) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "requeue limit reached")
		return
	}
	event.Requeues++
	d.requeued.Add(1)
	d.metrics.RecordDispatcherRequeued(context.Background())

	go func() {
		t := time.NewTimer(d.config.BreakerCooldown)
		defer t.Stop()
		select {
		case <-d.shutdown:
			return
		case <-t.C:
		}

		select {
		case d.pending <- event:
			d.logger.Debug("Callback requeued", "host", host, "requeues", event.Requeues)
		case <-d.shutdown:
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

// send makes the first attempt plus up to MaxRetries more. 4xx answers are
// final.
func (d *MemoryDispatcher) send(ctx context.Context, event *Event) error {
	var err error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.config.Backoff.Delay(attempt)):
			}
		}
		if err = d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey); err == nil || cloudevent.IsClientError(err) {
			return err
		}
	}
	return err
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	d.metrics.RecordDispatcherDropped(context.Background())
	d.eventLogger(event).Warn("Callback dropped", "reason", reason, "requeues", event.Requeues)
}

func (d *MemoryDispatcher) eventLogger(event *Event) *slog.Logger {
	return d.logger.With("host", hostOf(event.Destination), "type", event.Payload.Type, "jobId", event.Payload.Subject)
}

// hostOf keys breakers by destination host.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
