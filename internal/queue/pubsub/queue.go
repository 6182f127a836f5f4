// Package pubsub provides a queue.Backend on Google Cloud Pub/Sub for
// deployments running multiple worker processes against one queue.
//
// Pub/Sub owns redelivery and at-least-once semantics; this adapter
// maps them onto the Backend contract. Two caveats versus the embedded
// provider: enqueue dedup is best-effort and in-process only (Pub/Sub
// has no native producer dedup), and Attempt tracking relies on the
// subscription's delivery-attempt counter, which Pub/Sub populates only
// when a dead-letter policy is configured.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/queue"
)

const dedupAttribute = "dedupKey"

// Config identifies the topic/subscription pair backing one queue.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Queue implements queue.Backend over one Pub/Sub topic/subscription.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan *pubsub.Message
	recvCancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pubsub.Message
	seen    map[string]struct{}
	closed  bool
}

// Open connects to Pub/Sub and verifies the topic and subscription
// exist. Startup fails fast when the backend is unreachable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, closeOnError(client, fmt.Errorf("check topic %q: %w", cfg.Topic, err), logger)
	}
	if !ok {
		return nil, closeOnError(client, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID), logger)
	}

	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, closeOnError(client, fmt.Errorf("check subscription %q: %w", cfg.Subscription, err), logger)
	}
	if !ok {
		return nil, closeOnError(client, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.Subscription, cfg.ProjectID), logger)
	}

	q := &Queue{
		client:     client,
		topic:      topic,
		sub:        sub,
		logger:     logger,
		deliveries: make(chan *pubsub.Message),
		pending:    make(map[string]*pubsub.Message),
		seen:       make(map[string]struct{}),
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel
	go func() {
		if err := q.sub.Receive(recvCtx, q.deliver); err != nil && recvCtx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()

	return q, nil
}

func (q *Queue) deliver(ctx context.Context, m *pubsub.Message) {
	select {
	case q.deliveries <- m:
	case <-ctx.Done():
		m.Nack()
	}
}

// Enqueue publishes the message, blocking until the server acknowledges.
func (q *Queue) Enqueue(ctx context.Context, key string, body []byte) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, queue.ErrClosed
	}
	if _, dup := q.seen[key]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.seen[key] = struct{}{}
	q.mu.Unlock()

	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{dedupAttribute: key},
	})
	if _, err := result.Get(ctx); err != nil {
		q.mu.Lock()
		delete(q.seen, key)
		q.mu.Unlock()
		return false, fmt.Errorf("publish: %w", err)
	}
	return true, nil
}

// Dequeue hands out the next delivered message.
func (q *Queue) Dequeue(ctx context.Context) (queue.Message, error) {
	select {
	case <-ctx.Done():
		return queue.Message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case m, ok := <-q.deliveries:
		if !ok {
			return queue.Message{}, queue.ErrClosed
		}
		key := m.Attributes[dedupAttribute]
		attempt := 1
		if m.DeliveryAttempt != nil && *m.DeliveryAttempt > 0 {
			attempt = *m.DeliveryAttempt
		}
		q.mu.Lock()
		q.pending[key] = m
		q.mu.Unlock()
		return queue.Message{
			Key:        key,
			Body:       m.Data,
			Attempt:    attempt,
			EnqueuedAt: m.PublishTime,
		}, nil
	}
}

// Requeue nacks the pending delivery so Pub/Sub redelivers it.
func (q *Queue) Requeue(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	m, ok := q.pending[msg.Key]
	delete(q.pending, msg.Key)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending delivery for key %q", msg.Key)
	}
	m.Nack()
	return nil
}

// Release acks the pending delivery and frees the dedup key.
func (q *Queue) Release(_ context.Context, key string) error {
	q.mu.Lock()
	m, ok := q.pending[key]
	delete(q.pending, key)
	delete(q.seen, key)
	q.mu.Unlock()
	if ok {
		m.Ack()
	}
	return nil
}

// Len is not observable on a broker-managed subscription.
func (q *Queue) Len(_ context.Context) (int, error) {
	return 0, nil
}

// Drain is not supported; use subscription seek/purge tooling instead.
func (q *Queue) Drain(_ context.Context) (int, error) {
	return 0, queue.ErrUnsupported
}

// Purge is not supported; use subscription seek/purge tooling instead.
func (q *Queue) Purge(_ context.Context) error {
	return queue.ErrUnsupported
}

// Close stops receiving and releases the client.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.recvCancel()
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func closeOnError(client *pubsub.Client, err error, logger *zap.Logger) error {
	if closeErr := client.Close(); closeErr != nil {
		logger.Warn("failed to close pubsub client after startup failure", zap.Error(closeErr))
	}
	return err
}
