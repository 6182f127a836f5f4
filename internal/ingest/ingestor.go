// Package ingest feeds the work queue from destination tables: rows
// with a URL but no outcome become scrape tasks.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/metrics"
	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/queue"
	"github.com/leadharbor/harvester/internal/sink"
)

// Config controls the poll loop.
type Config struct {
	// BatchSize caps rows read per destination per poll.
	BatchSize int
	// PollInterval is the idle delay between polls.
	PollInterval time.Duration
	// BurstDelay is the shortened delay used after a full batch, on
	// the assumption more rows are waiting behind it.
	BurstDelay time.Duration
	// Destinations lists the destination IDs to poll.
	Destinations []string
}

// Ingestor polls destinations and enqueues pending rows as tasks.
// Queue-side dedup makes re-reading the same pending row harmless:
// tasks already in flight are skipped at enqueue.
type Ingestor struct {
	cfg    Config
	source sink.Sink
	work   queue.Backend
	logger *zap.Logger
}

// New builds an Ingestor.
func New(cfg Config, source sink.Sink, work queue.Backend, logger *zap.Logger) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BurstDelay <= 0 {
		cfg.BurstDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{cfg: cfg, source: source, work: work, logger: logger}
}

// PollOnce reads pending rows from every destination and enqueues
// them. It returns the number of newly enqueued tasks and whether any
// destination filled its batch, which signals a backlog.
func (i *Ingestor) PollOnce(ctx context.Context) (int, bool, error) {
	total := 0
	backlog := false
	var errs []string
	for _, dest := range i.cfg.Destinations {
		n, full, err := i.pollDestination(ctx, dest)
		total += n
		backlog = backlog || full
		if err != nil {
			if ctx.Err() != nil {
				return total, backlog, err
			}
			errs = append(errs, fmt.Sprintf("%s: %v", dest, err))
		}
	}
	if len(errs) > 0 {
		return total, backlog, fmt.Errorf("poll destinations: %s", strings.Join(errs, "; "))
	}
	return total, backlog, nil
}

func (i *Ingestor) pollDestination(ctx context.Context, dest string) (int, bool, error) {
	rows, err := i.source.ReadPending(ctx, dest, i.cfg.BatchSize)
	if err != nil {
		return 0, false, fmt.Errorf("read pending: %w", err)
	}

	enqueued := 0
	for _, row := range rows {
		if strings.TrimSpace(row.URL) == "" {
			continue
		}
		task := pipeline.Task{URL: row.URL, RowIndex: row.Index, DestinationID: dest}
		body, err := json.Marshal(task)
		if err != nil {
			return enqueued, false, fmt.Errorf("marshal task row %d: %w", row.Index, err)
		}
		inserted, err := i.work.Enqueue(ctx, task.DedupKey(), body)
		if err != nil {
			return enqueued, false, fmt.Errorf("enqueue row %d: %w", row.Index, err)
		}
		if inserted {
			enqueued++
		}
	}

	if enqueued > 0 {
		metrics.ObserveIngest(dest, enqueued)
		i.logger.Info("enqueued pending rows",
			zap.String("destination", dest),
			zap.Int("read", len(rows)),
			zap.Int("enqueued", enqueued),
		)
	}
	return enqueued, len(rows) == i.cfg.BatchSize, nil
}

// Run polls until the context finishes. A poll that enqueued anything,
// or that filled a batch, is treated as a sign more work is immediately
// available and shortens the next delay.
func (i *Ingestor) Run(ctx context.Context) {
	for {
		n, backlog, err := i.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("poll failed", zap.Error(err))
		}

		delay := i.cfg.PollInterval
		if n > 0 || backlog {
			delay = i.cfg.BurstDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
