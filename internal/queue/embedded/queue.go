// Package embedded provides a disk-backed queue.Backend: a goque FIFO
// for the items and a LevelDB key-value store for the dedup index, both
// living under one directory so a queue survives process restarts.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"github.com/philippgille/gokv/leveldb"

	"github.com/leadharbor/harvester/internal/queue"
)

// Queue is a durable FIFO with a persistent dedup index.
type Queue struct {
	dir string

	mu     sync.Mutex
	items  *goque.Queue
	seen   leveldb.Store
	closed bool
	wake   chan struct{}
}

// Open initializes (or reopens) the queue stored under dir.
func Open(dir string) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue directory is required")
	}
	items, err := goque.OpenQueue(filepath.Join(dir, "items"))
	if err != nil {
		return nil, fmt.Errorf("open item queue: %w", err)
	}
	seen, err := leveldb.NewStore(leveldb.Options{Path: filepath.Join(dir, "dedup")})
	if err != nil {
		if closeErr := items.Close(); closeErr != nil {
			return nil, fmt.Errorf("open dedup index: %w (also failed closing item queue: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("open dedup index: %w", err)
	}
	return &Queue{
		dir:   dir,
		items: items,
		seen:  seen,
		wake:  make(chan struct{}, 1),
	}, nil
}

// Enqueue inserts unless the key is already live in the dedup index.
func (q *Queue) Enqueue(_ context.Context, key string, body []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}

	var marker string
	found, err := q.seen.Get(key, &marker)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		return false, nil
	}

	msg := queue.Message{
		Key:        key,
		Body:       body,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	if _, err := q.items.EnqueueObjectAsJSON(msg); err != nil {
		return false, fmt.Errorf("enqueue item: %w", err)
	}
	if err := q.seen.Set(key, msg.EnqueuedAt.Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("mark dedup key: %w", err)
	}
	q.signal()
	return true, nil
}

// Dequeue pops the oldest item, blocking until one arrives or the
// context finishes.
func (q *Queue) Dequeue(ctx context.Context) (queue.Message, error) {
	for {
		msg, ok, err := q.tryDequeue()
		if err != nil {
			return queue.Message{}, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return queue.Message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *Queue) tryDequeue() (queue.Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Message{}, false, queue.ErrClosed
	}
	item, err := q.items.Dequeue()
	if errors.Is(err, goque.ErrEmpty) {
		return queue.Message{}, false, nil
	}
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("dequeue item: %w", err)
	}
	var msg queue.Message
	if err := item.ToObjectFromJSON(&msg); err != nil {
		return queue.Message{}, false, fmt.Errorf("decode item: %w", err)
	}
	return msg, true, nil
}

// Requeue re-inserts a message for redelivery, bypassing dedup.
func (q *Queue) Requeue(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if _, err := q.items.EnqueueObjectAsJSON(msg); err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	q.signal()
	return nil
}

// Release frees the dedup key for future enqueues.
func (q *Queue) Release(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if err := q.seen.Delete(key); err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}

// Len reports the waiting item count.
func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	return int(q.items.Length()), nil
}

// Drain discards all waiting items, releasing their dedup keys.
func (q *Queue) Drain(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}
	n := 0
	for {
		item, err := q.items.Dequeue()
		if errors.Is(err, goque.ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("drain item: %w", err)
		}
		var msg queue.Message
		if err := item.ToObjectFromJSON(&msg); err == nil {
			if err := q.seen.Delete(msg.Key); err != nil {
				return n, fmt.Errorf("drain dedup key: %w", err)
			}
		}
		n++
	}
}

// Purge removes all queue state, dedup index included, and reopens the
// underlying stores empty.
func (q *Queue) Purge(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if err := q.items.Close(); err != nil {
		return fmt.Errorf("close item queue: %w", err)
	}
	if err := q.seen.Close(); err != nil {
		return fmt.Errorf("close dedup index: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(q.dir, "items")); err != nil {
		return fmt.Errorf("remove item queue: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(q.dir, "dedup")); err != nil {
		return fmt.Errorf("remove dedup index: %w", err)
	}

	items, err := goque.OpenQueue(filepath.Join(q.dir, "items"))
	if err != nil {
		return fmt.Errorf("reopen item queue: %w", err)
	}
	seen, err := leveldb.NewStore(leveldb.Options{Path: filepath.Join(q.dir, "dedup")})
	if err != nil {
		return fmt.Errorf("reopen dedup index: %w", err)
	}
	q.items = items
	q.seen = seen
	return nil
}

// Close flushes and closes the underlying stores.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.signal()
	if err := q.items.Close(); err != nil {
		return fmt.Errorf("close item queue: %w", err)
	}
	if err := q.seen.Close(); err != nil {
		return fmt.Errorf("close dedup index: %w", err)
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
