// Package batcher accumulates outcomes per destination and writes them
// to the sink in batches, flushing on size or age, whichever comes
// first.
package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/metrics"
	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/queue"
	"github.com/leadharbor/harvester/internal/sink"
)

// Config controls batching behavior.
type Config struct {
	// SizeThreshold flushes every buffer as soon as the total buffered
	// count across destinations reaches it.
	SizeThreshold int
	// FlushInterval flushes every buffer regardless of size so a slow
	// trickle of outcomes never sits unwritten.
	FlushInterval time.Duration
	// FlushAttempts bounds quota-rejection retries per flush.
	FlushAttempts int
	// BackoffBase is the first retry delay; later delays double.
	BackoffBase time.Duration
}

// Batcher buffers outcomes and owns all sink write retries. The result
// queue's job ends once an outcome is handed to Handle; from there the
// batcher either lands it or dead-letters it.
type Batcher struct {
	cfg    Config
	sink   sink.Sink
	dead   sink.DeadLetter
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[string][]pipeline.Outcome
	total   int
	timer   *time.Timer
	closed  bool

	// flushMu serializes flushes so batches for one destination land
	// in the order they were cut.
	flushMu sync.Mutex
}

// New builds a Batcher and arms its flush timer. dead may be nil, in
// which case dropped batches are only logged.
func New(cfg Config, s sink.Sink, dead sink.DeadLetter, logger *zap.Logger) *Batcher {
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.FlushAttempts <= 0 {
		cfg.FlushAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		cfg:     cfg,
		sink:    s,
		dead:    dead,
		logger:  logger,
		buffers: make(map[string][]pipeline.Outcome),
	}
	b.timer = time.AfterFunc(cfg.FlushInterval, b.onTimer)
	return b
}

// Handle is the result-queue handler: decode the outcome and buffer it.
func (b *Batcher) Handle(ctx context.Context, msg queue.Message) error {
	var outcome pipeline.Outcome
	if err := json.Unmarshal(msg.Body, &outcome); err != nil {
		return fmt.Errorf("decode outcome %q: %w", msg.Key, err)
	}
	b.Add(ctx, outcome)
	return nil
}

// Add buffers one outcome, flushing everything once the total buffered
// count reaches the size threshold.
func (b *Batcher) Add(ctx context.Context, outcome pipeline.Outcome) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// Late outcome after shutdown started: write it through alone
		// rather than lose it.
		b.flushBatch(ctx, outcome.DestinationID, []pipeline.Outcome{outcome})
		return
	}
	b.buffers[outcome.DestinationID] = append(b.buffers[outcome.DestinationID], outcome)
	b.total++
	metrics.SetBufferDepth(b.total)

	if b.total < b.cfg.SizeThreshold {
		b.mu.Unlock()
		return
	}
	b.timer.Stop()
	b.mu.Unlock()

	b.Flush(ctx)

	b.mu.Lock()
	if !b.closed {
		b.timer.Reset(b.cfg.FlushInterval)
	}
	b.mu.Unlock()
}

// Flush writes out every buffered outcome immediately.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	dests := make([]string, 0, len(b.buffers))
	for dest := range b.buffers {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	batches := make([][]pipeline.Outcome, len(dests))
	for i, dest := range dests {
		batches[i] = b.takeLocked(dest)
	}
	b.mu.Unlock()

	for i, dest := range dests {
		b.flushBatch(ctx, dest, batches[i])
	}
}

// Close stops the timer and performs the final flush. Safe to call
// once all producers have stopped.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.timer.Stop()
	b.mu.Unlock()

	b.Flush(ctx)
}

// Depth reports the number of buffered outcomes.
func (b *Batcher) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Batcher) onTimer() {
	b.Flush(context.Background())

	b.mu.Lock()
	if !b.closed {
		b.timer.Reset(b.cfg.FlushInterval)
	}
	b.mu.Unlock()
}

// takeLocked cuts the destination's current buffer. Callers hold mu.
func (b *Batcher) takeLocked(dest string) []pipeline.Outcome {
	batch := b.buffers[dest]
	if len(batch) == 0 {
		return nil
	}
	delete(b.buffers, dest)
	b.total -= len(batch)
	metrics.SetBufferDepth(b.total)
	return batch
}

// flushBatch writes one cut batch, retrying quota rejections with the
// batch intact. Permanent errors and exhausted retries dead-letter the
// batch; it never goes back into the buffer.
func (b *Batcher) flushBatch(ctx context.Context, dest string, batch []pipeline.Outcome) {
	if len(batch) == 0 {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	log := b.logger.With(
		zap.String("destination", dest),
		zap.Int("size", len(batch)),
	)

	var lastErr error
	for attempt := 1; attempt <= b.cfg.FlushAttempts; attempt++ {
		err := b.sink.WriteBatch(ctx, dest, batch)
		if err == nil {
			metrics.ObserveFlush("ok", len(batch))
			log.Info("batch flushed", zap.Int("attempt", attempt))
			return
		}
		lastErr = err

		if !sink.IsQuota(err) {
			metrics.ObserveFlush("permanent_error", len(batch))
			b.drop(ctx, dest, "permanent sink error", batch, err)
			return
		}

		metrics.ObserveFlush("quota", len(batch))
		if attempt == b.cfg.FlushAttempts {
			break
		}
		delay := pipeline.Backoff(b.cfg.BackoffBase, attempt-1, 0)
		log.Warn("sink quota hit, retrying flush",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			b.drop(ctx, dest, "shutdown during quota backoff", batch, ctx.Err())
			return
		case <-time.After(delay):
		}
	}

	b.drop(ctx, dest, "flush attempts exhausted", batch, lastErr)
}

func (b *Batcher) drop(ctx context.Context, dest, reason string, batch []pipeline.Outcome, cause error) {
	metrics.ObserveDropped(reason, len(batch))
	b.logger.Error("dropping batch",
		zap.String("destination", dest),
		zap.String("reason", reason),
		zap.Int("size", len(batch)),
		zap.Error(cause),
	)
	if b.dead == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.dead.Record(recordCtx, dest, reason, batch); err != nil {
		b.logger.Error("dead-letter record failed",
			zap.String("destination", dest),
			zap.Error(err),
		)
	}
}
