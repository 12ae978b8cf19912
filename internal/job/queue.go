package job

import (
	"context"
	"errors"
	"time"

	"cerebro/internal/apperrors"
	"cerebro/internal/backend"
)

// Queue holds the ids of queued jobs in submission order.
type Queue struct {
	store backend.Store
	key   string
}

func NewQueue(store backend.Store, key string) *Queue {
	return &Queue{store: store, key: key}
}

// Push appends id to the tail.
func (q *Queue) Push(ctx context.Context, id string) error {
	if err := q.store.Push(ctx, q.key, id); err != nil {
		return queueErr("queue.push", err)
	}
	return nil
}

// Pop removes the head, waiting up to timeout. ok is false when nothing
// arrived in time.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (id string, ok bool, err error) {
	id, ok, err = q.store.BlockingPop(ctx, q.key, timeout)
	if err != nil {
		return "", false, queueErr("queue.pop", err)
	}
	return id, ok, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.store.Len(ctx, q.key)
	if err != nil {
		return 0, queueErr("queue.len", err)
	}
	return n, nil
}

func queueErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Unavailable(op, err)
}
