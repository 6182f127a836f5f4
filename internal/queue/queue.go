// Package queue defines durable FIFO queue semantics for the harvest
// pipeline: deduplicating enqueue, push-driven consumption with bounded
// concurrency and a rate ceiling, per-item retry with exponential
// backoff, and count/age retention of terminal items.
package queue

import (
	"context"
	"errors"
	"time"
)

// Message is the unit moved through a queue. Attempt starts at 1 on
// first delivery and counts deliveries, not failures.
type Message struct {
	Key        string    `json:"key"`
	Body       []byte    `json:"body"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Stats mirrors the read-only counts exposed by the control plane.
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}

// Retention is a dual threshold over terminal items: an item is pruned
// only once it falls outside the newest Count AND is older than Age,
// so whichever limb keeps more wins.
type Retention struct {
	Count int
	Age   time.Duration
}

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("queue closed")

// ErrUnsupported is returned for control operations a backend cannot
// provide (e.g. draining a broker-managed subscription).
var ErrUnsupported = errors.New("operation not supported by this queue backend")

// Backend is a FIFO transport with deduplicating enqueue. Consumption
// policy (concurrency, rate, retries) lives in Consumer, not here.
type Backend interface {
	// Enqueue inserts unless an item with the same key is live, in
	// which case it reports false with no error (idempotent producer).
	Enqueue(ctx context.Context, key string, body []byte) (bool, error)

	// Dequeue blocks until an item is available or ctx finishes.
	Dequeue(ctx context.Context) (Message, error)

	// Requeue re-inserts a message for redelivery, bypassing dedup:
	// the key is already marked live.
	Requeue(ctx context.Context, msg Message) error

	// Release marks a key terminal, making it eligible for re-enqueue.
	Release(ctx context.Context, key string) error

	// Len reports the number of waiting items.
	Len(ctx context.Context) (int, error)

	// Drain discards all waiting items without processing them.
	Drain(ctx context.Context) (int, error)

	// Purge removes all queue state including the dedup index.
	Purge(ctx context.Context) error

	Close() error
}

// Handler processes one message. A returned error (or panic) counts
// against the message's attempt budget; it never crashes the consumer.
type Handler func(ctx context.Context, msg Message) error
