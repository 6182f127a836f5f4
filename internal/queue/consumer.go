package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leadharbor/harvester/internal/metrics"
	"github.com/leadharbor/harvester/internal/pipeline"
)

// Config controls Consumer behavior for one queue.
type Config struct {
	Name          string
	Concurrency   int
	RatePerSecond float64
	Attempts      int
	BackoffBase   time.Duration
	KeepCompleted Retention
	KeepFailed    Retention
}

type terminalRecord struct {
	key string
	at  time.Time
}

// Consumer drives push-style delivery from a Backend to a Handler with
// a maximum in-flight count and a handler-invocations-per-second
// ceiling enforced independently of concurrency.
type Consumer struct {
	backend Backend
	cfg     Config
	handler Handler
	limiter *rate.Limiter
	logger  *zap.Logger
	clock   pipeline.Clock

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	mu        sync.Mutex
	active    int
	completed []terminalRecord
	failed    []terminalRecord
}

// NewConsumer builds a Consumer. A zero or negative rate means no ceiling.
func NewConsumer(backend Backend, handler Handler, cfg Config, clock pipeline.Clock, logger *zap.Logger) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Consumer{
		backend: backend,
		cfg:     cfg,
		handler: handler,
		limiter: limiter,
		logger:  logger.With(zap.String("queue", cfg.Name)),
		clock:   clock,
	}
}

// Run blocks, delivering messages until the context finishes. In-flight
// handlers are waited for before Run returns.
func (c *Consumer) Run(ctx context.Context) {
	swg := sizedwaitgroup.New(c.cfg.Concurrency)
	defer swg.Wait()

	for {
		if err := c.awaitResume(ctx); err != nil {
			return
		}
		if err := c.waitRate(ctx); err != nil {
			return
		}

		msg, err := c.backend.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Error("dequeue failed", zap.Error(err))
			continue
		}

		if err := swg.AddWithContext(ctx); err != nil {
			// Shutting down with a message in hand: put it back so the
			// durable backend still owns it.
			c.requeueNow(msg)
			return
		}
		go func(m Message) {
			defer swg.Done()
			c.process(ctx, m)
		}(msg)
	}
}

// Pause stops new deliveries. In-flight handlers finish normally.
func (c *Consumer) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
		c.logger.Info("queue paused")
	}
}

// Resume re-enables deliveries.
func (c *Consumer) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
		c.logger.Info("queue resumed")
	}
}

// Stats reports queue depth plus consumer bookkeeping.
func (c *Consumer) Stats(ctx context.Context) (Stats, error) {
	waiting, err := c.backend.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue len: %w", err)
	}
	c.pauseMu.Lock()
	paused := c.paused
	c.pauseMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Waiting:   waiting,
		Active:    c.active,
		Completed: len(c.completed),
		Failed:    len(c.failed),
		Paused:    paused,
	}, nil
}

// Drain discards waiting items without processing them.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	n, err := c.backend.Drain(ctx)
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	c.logger.Info("queue drained", zap.Int("discarded", n))
	return n, nil
}

// Clean prunes terminal-item history according to the retention policy.
func (c *Consumer) Clean() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = prune(c.completed, c.cfg.KeepCompleted, now)
	c.failed = prune(c.failed, c.cfg.KeepFailed, now)
}

// Obliterate removes all queue state, dedup index included.
func (c *Consumer) Obliterate(ctx context.Context) error {
	if err := c.backend.Purge(ctx); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	c.mu.Lock()
	c.completed = nil
	c.failed = nil
	c.mu.Unlock()
	c.logger.Warn("queue obliterated")
	return nil
}

func (c *Consumer) awaitResume(ctx context.Context) error {
	c.pauseMu.Lock()
	paused := c.paused
	ch := c.resumeCh
	c.pauseMu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (c *Consumer) waitRate(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg Message) {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	err := c.invoke(ctx, msg)
	if err == nil {
		c.finish(ctx, msg, true)
		return
	}

	if msg.Attempt >= c.cfg.Attempts {
		c.logger.Error("task exhausted attempts",
			zap.String("key", msg.Key),
			zap.Int("attempts", msg.Attempt),
			zap.Error(err),
		)
		c.finish(ctx, msg, false)
		return
	}

	// Backoff occupies this delivery's concurrency slot, which also
	// throttles pickup of fresh work while the backend is struggling.
	delay := pipeline.Backoff(c.cfg.BackoffBase, msg.Attempt-1, 0)
	c.logger.Warn("task failed, scheduling retry",
		zap.String("key", msg.Key),
		zap.Int("attempt", msg.Attempt),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	metrics.ObserveTask(c.cfg.Name, "retried")

	select {
	case <-ctx.Done():
		// Shutdown during backoff: requeue immediately so the item
		// survives the restart.
	case <-time.After(delay):
	}
	next := msg
	next.Attempt++
	c.requeueNow(next)
}

func (c *Consumer) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) finish(ctx context.Context, msg Message, ok bool) {
	if err := c.backend.Release(context.WithoutCancel(ctx), msg.Key); err != nil {
		c.logger.Error("release dedup key failed", zap.String("key", msg.Key), zap.Error(err))
	}
	now := c.clock.Now()
	c.mu.Lock()
	if ok {
		c.completed = append(c.completed, terminalRecord{key: msg.Key, at: now})
		c.completed = prune(c.completed, c.cfg.KeepCompleted, now)
	} else {
		c.failed = append(c.failed, terminalRecord{key: msg.Key, at: now})
		c.failed = prune(c.failed, c.cfg.KeepFailed, now)
	}
	c.mu.Unlock()

	result := "completed"
	if !ok {
		result = "failed"
	}
	metrics.ObserveTask(c.cfg.Name, result)
}

func (c *Consumer) requeueNow(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.backend.Requeue(ctx, msg); err != nil {
		c.logger.Error("requeue failed, item lost from this process",
			zap.String("key", msg.Key),
			zap.Error(err),
		)
	}
}

// prune drops records that fall outside the newest Count AND are older
// than Age. Records are ordered oldest first.
func prune(records []terminalRecord, ret Retention, now time.Time) []terminalRecord {
	if ret.Count <= 0 && ret.Age <= 0 {
		return records
	}
	keepFrom := 0
	for i, rec := range records {
		withinCount := ret.Count > 0 && len(records)-i <= ret.Count
		withinAge := ret.Age > 0 && now.Sub(rec.at) <= ret.Age
		if withinCount || withinAge {
			break
		}
		keepFrom = i + 1
	}
	if keepFrom == 0 {
		return records
	}
	return append([]terminalRecord(nil), records[keepFrom:]...)
}
