// ABOUTME: In-process Queue with visibility timeouts and redelivery
// ABOUTME: Used when no external queue is configured and in tests

package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultVisibilityTimeout hides a received message until it is deleted or this elapses.
const DefaultVisibilityTimeout = 30 * time.Second

type memoryItem struct {
	key       string
	body      []byte
	visibleAt time.Time
	receipt   string
}

// MemoryQueue is a FIFO queue held in memory.
type MemoryQueue struct {
	mu         sync.Mutex
	items      []*memoryItem
	keys       map[string]bool
	visibility time.Duration
	seq        uint64
	notify     chan struct{}
	closed     bool
	now        func() time.Time
}

// NewMemoryQueue creates a queue. A non-positive visibility uses DefaultVisibilityTimeout.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		keys:       make(map[string]bool),
		visibility: visibility,
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Send appends body. A key already in the queue is ignored.
func (q *MemoryQueue) Send(_ context.Context, key string, body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if key != "" && q.keys[key] {
		q.mu.Unlock()
		return nil
	}
	q.items = append(q.items, &memoryItem{
		key:  key,
		body: append([]byte(nil), body...),
	})
	if key != "" {
		q.keys[key] = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns visible messages, waiting up to wait for one to appear.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)
	for {
		out, next, err := q.take(max)
		if err != nil || len(out) > 0 {
			return out, err
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if !next.IsZero() {
			if until := next.Sub(q.now()); until < remaining {
				remaining = until
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take claims up to max visible items. next is the earliest time a hidden
// item becomes visible again, zero when none are hidden.
func (q *MemoryQueue) take(max int) (out []Delivery, next time.Time, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, time.Time{}, ErrClosed
	}

	now := q.now()
	for _, it := range q.items {
		if it.visibleAt.After(now) {
			if next.IsZero() || it.visibleAt.Before(next) {
				next = it.visibleAt
			}
			continue
		}
		if len(out) == max {
			break
		}
		q.seq++
		it.receipt = strconv.FormatUint(q.seq, 10)
		it.visibleAt = now.Add(q.visibility)
		out = append(out, Delivery{ID: it.receipt, Body: append([]byte(nil), it.body...)})
	}
	return out, next, nil
}

// Delete removes the message last delivered with receipt id. A stale receipt
// from an earlier delivery is ignored.
func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for i, it := range q.items {
		if it.receipt == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			delete(q.keys, it.key)
			return nil
		}
	}
	return nil
}

// Len returns the number of messages not yet deleted.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards pending messages.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}
