// Package memory implements an in-process at-least-once queue of raw messages.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// DefaultLease is how long a delivery stays invisible before it is handed out again.
const DefaultLease = 2 * time.Minute

type item struct {
	id          string
	msg         *api.RawMessage
	deliveries  int
	enqueuedAt  time.Time
	availableAt time.Time
	leasedUntil time.Time
}

func (it *item) ready(now time.Time) bool {
	return !now.Before(it.availableAt) && !now.Before(it.leasedUntil)
}

// Queue is a FIFO queue with leases. Items that are neither acknowledged nor
// negatively acknowledged become visible again once their lease expires.
type Queue struct {
	mu      sync.Mutex
	items   []*item
	changed chan struct{}
	lease   time.Duration
	now     func() time.Time
}

// New creates a Queue. A non-positive lease uses DefaultLease.
func New(lease time.Duration) *Queue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Queue{
		changed: make(chan struct{}),
		lease:   lease,
		now:     time.Now,
	}
}

// signal wakes every waiting consumer. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue appends msg.
func (q *Queue) Enqueue(_ context.Context, msg *api.RawMessage) error {
	if msg == nil {
		return fmt.Errorf("enqueue: nil message")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.items = append(q.items, &item{
		id:          uuid.NewString(),
		msg:         msg,
		enqueuedAt:  now,
		availableAt: now,
	})
	q.signal()
	return nil
}

// Dequeue leases the oldest visible item, blocking until one exists or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*api.Delivery, error) {
	for {
		q.mu.Lock()
		now := q.now()
		var next time.Time
		for _, it := range q.items {
			if it.ready(now) {
				it.deliveries++
				it.leasedUntil = now.Add(q.lease)
				d := &api.Delivery{
					ID:         it.id,
					Message:    it.msg,
					Deliveries: it.deliveries,
					EnqueuedAt: it.enqueuedAt,
				}
				q.mu.Unlock()
				return d, nil
			}
			wake := it.availableAt
			if it.leasedUntil.After(wake) {
				wake = it.leasedUntil
			}
			if next.IsZero() || wake.Before(next) {
				next = wake
			}
		}
		changed := q.changed
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if !next.IsZero() {
			t = time.NewTimer(next.Sub(now))
			timer = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Ack removes the delivered item. Acknowledging an unknown item is a no-op.
func (q *Queue) Ack(_ context.Context, d *api.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.id == d.ID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Nack releases the lease on the delivered item and hides it for delay.
func (q *Queue) Nack(_ context.Context, d *api.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, it := range q.items {
		if it.id == d.ID {
			it.leasedUntil = time.Time{}
			it.availableAt = now.Add(delay)
			q.signal()
			return nil
		}
	}
	return nil
}

// Len returns the number of items not yet acknowledged, leased ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending is Len in the form shared with durable queues.
func (q *Queue) Pending(context.Context) (int64, error) {
	return int64(q.Len()), nil
}
