// Package dispatcher delivers job completion callbacks asynchronously, with
// bounded buffering, retries and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"

	"cerebro/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the event could not be queued.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

// Dispatcher queues callbacks for delivery.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops accepting events and drains the queue until ctx expires.
	Close(ctx context.Context) error
}

// Event is one callback delivery.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // empty sends unsigned
	Requeues    int    // times requeued while the destination's breaker was open
}

type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64 // gave up after retries
	Dropped       int64 // buffer full or requeue limit reached
	Requeued      int64
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
