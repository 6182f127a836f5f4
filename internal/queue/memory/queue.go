// Package memory provides a queue backend for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leadharbor/harvester/internal/queue"
)

// Queue is a bounded in-memory queue.Backend with dedup keys tracked in
// a map. Nothing survives a restart; production uses the embedded or
// pubsub providers.
type Queue struct {
	mu     sync.Mutex
	items  []queue.Message
	live   map[string]struct{}
	closed bool
	wake   chan struct{}
}

// New constructs a Queue.
func New() *Queue {
	return &Queue{
		live: make(map[string]struct{}),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue inserts unless the key is already live.
func (q *Queue) Enqueue(_ context.Context, key string, body []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}
	if _, dup := q.live[key]; dup {
		return false, nil
	}
	q.live[key] = struct{}{}
	q.items = append(q.items, queue.Message{
		Key:        key,
		Body:       append([]byte(nil), body...),
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	})
	q.signal()
	return true, nil
}

// Dequeue pops the oldest waiting item, blocking until one arrives or
// the context finishes.
func (q *Queue) Dequeue(ctx context.Context) (queue.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queue.Message{}, queue.ErrClosed
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Requeue re-inserts a message for redelivery, bypassing dedup.
func (q *Queue) Requeue(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.items = append(q.items, msg)
	q.signal()
	return nil
}

// Release frees the dedup key for future enqueues.
func (q *Queue) Release(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, key)
	return nil
}

// Len reports the waiting item count.
func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	return len(q.items), nil
}

// Drain discards all waiting items.
func (q *Queue) Drain(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	for _, msg := range q.items {
		delete(q.live, msg.Key)
	}
	q.items = nil
	return n, nil
}

// Purge removes all state including the dedup index.
func (q *Queue) Purge(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.live = make(map[string]struct{})
	return nil
}

// Close marks the queue closed for enqueue and dequeue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
