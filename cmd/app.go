package cmd

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/archive"
	archivegcs "github.com/leadharbor/harvester/internal/archive/gcs"
	archivelocal "github.com/leadharbor/harvester/internal/archive/local"
	"github.com/leadharbor/harvester/internal/batcher"
	"github.com/leadharbor/harvester/internal/browser"
	"github.com/leadharbor/harvester/internal/clock/system"
	"github.com/leadharbor/harvester/internal/config"
	"github.com/leadharbor/harvester/internal/extract"
	"github.com/leadharbor/harvester/internal/id/uuid"
	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/probe"
	"github.com/leadharbor/harvester/internal/queue"
	queueembedded "github.com/leadharbor/harvester/internal/queue/embedded"
	queuememory "github.com/leadharbor/harvester/internal/queue/memory"
	queuepubsub "github.com/leadharbor/harvester/internal/queue/pubsub"
	"github.com/leadharbor/harvester/internal/scraper"
	"github.com/leadharbor/harvester/internal/session"
	"github.com/leadharbor/harvester/internal/sink"
	sinkmemory "github.com/leadharbor/harvester/internal/sink/memory"
	sinkpostgres "github.com/leadharbor/harvester/internal/sink/postgres"
)

func newClock() pipeline.Clock {
	return system.New()
}

// closer collects teardown callbacks and runs them in reverse order.
type closer struct {
	fns []func()
}

func (c *closer) add(fn func()) {
	c.fns = append(c.fns, fn)
}

func (c *closer) close() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

type queuePair struct {
	work    queue.Backend
	results queue.Backend
}

func openQueues(ctx context.Context, cfg config.Config, logger *zap.Logger, cl *closer) (queuePair, error) {
	switch cfg.Queues.Provider {
	case "memory":
		work := queuememory.New()
		results := queuememory.New()
		cl.add(func() { _ = work.Close(); _ = results.Close() })
		return queuePair{work: work, results: results}, nil

	case "embedded":
		work, err := queueembedded.Open(cfg.Queues.Dir + "/work")
		if err != nil {
			return queuePair{}, fmt.Errorf("open work queue: %w", err)
		}
		results, err := queueembedded.Open(cfg.Queues.Dir + "/results")
		if err != nil {
			_ = work.Close()
			return queuePair{}, fmt.Errorf("open result queue: %w", err)
		}
		cl.add(func() {
			if err := work.Close(); err != nil {
				logger.Error("close work queue", zap.Error(err))
			}
			if err := results.Close(); err != nil {
				logger.Error("close result queue", zap.Error(err))
			}
		})
		return queuePair{work: work, results: results}, nil

	case "pubsub":
		ps := cfg.Queues.PubSub
		work, err := queuepubsub.Open(ctx, queuepubsub.Config{
			ProjectID:    ps.ProjectID,
			Topic:        ps.WorkTopic,
			Subscription: ps.WorkSubscription,
		}, logger.Named("work-queue"))
		if err != nil {
			return queuePair{}, fmt.Errorf("open work queue: %w", err)
		}
		results, err := queuepubsub.Open(ctx, queuepubsub.Config{
			ProjectID:    ps.ProjectID,
			Topic:        ps.ResultTopic,
			Subscription: ps.ResultSubscription,
		}, logger.Named("result-queue"))
		if err != nil {
			_ = work.Close()
			return queuePair{}, fmt.Errorf("open result queue: %w", err)
		}
		cl.add(func() { _ = work.Close(); _ = results.Close() })
		return queuePair{work: work, results: results}, nil

	default:
		return queuePair{}, fmt.Errorf("unknown queue provider %q", cfg.Queues.Provider)
	}
}

func consumerConfig(name string, qc config.QueueConfig) queue.Config {
	return queue.Config{
		Name:          name,
		Concurrency:   qc.Concurrency,
		RatePerSecond: qc.RatePerSecond,
		Attempts:      qc.Attempts,
		BackoffBase:   qc.BackoffBase(),
		KeepCompleted: queue.Retention{
			Count: qc.KeepCompletedN,
			Age:   time.Duration(qc.KeepCompletedAgeS) * time.Second,
		},
		KeepFailed: queue.Retention{
			Count: qc.KeepFailedN,
			Age:   time.Duration(qc.KeepFailedAgeS) * time.Second,
		},
	}
}

func buildSink(ctx context.Context, cfg config.Config, cl *closer) (sink.Sink, error) {
	switch cfg.Sink.Provider {
	case "memory":
		return sinkmemory.New(), nil
	case "postgres":
		s, err := sinkpostgres.New(ctx, sinkpostgres.Config{
			DSN:   cfg.Sink.DSN,
			Table: cfg.Sink.Table,
		})
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink provider %q", cfg.Sink.Provider)
	}
}

func buildDeadLetter(ctx context.Context, cfg config.Config, cl *closer) (sink.DeadLetter, error) {
	if !cfg.DeadLetter.Enabled {
		return nil, nil
	}
	store, err := sinkpostgres.OpenDeadLetter(ctx, cfg.DeadLetter.DSN, cfg.DeadLetter.Table, uuid.New(), system.New())
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	cl.add(store.Close)
	return store, nil
}

func buildArchiver(ctx context.Context, cfg config.Config, logger *zap.Logger, cl *closer) (pipeline.Archiver, error) {
	switch cfg.Archive.Provider {
	case "", "noop":
		return archive.Noop{}, nil
	case "local":
		blobs, err := archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return archive.New(blobs, uuid.New(), cfg.Archive.Prefix, logger.Named("archive")), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		cl.add(func() {
			if err := client.Close(); err != nil {
				logger.Error("close storage client", zap.Error(err))
			}
		})
		blobs, err := archivegcs.New(client, archivegcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, err
		}
		return archive.New(blobs, uuid.New(), cfg.Archive.Prefix, logger.Named("archive")), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

// buildScrapeWorker assembles the browser, probe, sessions, extractor,
// and archiver into a work-queue handler pushing to results.
func buildScrapeWorker(ctx context.Context, cfg config.Config, results queue.Backend, logger *zap.Logger, cl *closer) (*scraper.Worker, error) {
	sessions, err := session.Load(cfg.Sessions.File, cfg.Sessions.CookieFiles)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	store := session.NewStore(sessions, logger.Named("sessions"))
	logger.Info("sessions loaded", zap.Int("count", store.Len()))

	pool, err := browser.New(browser.Config{
		MaxTabs:           cfg.Browser.MaxTabs,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
	}, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("start browser pool: %w", err)
	}
	cl.add(pool.Close)

	var prober pipeline.Prober
	if cfg.Probe.Enabled {
		prober = probe.New(probe.Config{
			UserAgent: cfg.Probe.UserAgent,
			Timeout:   time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		}, logger.Named("probe"))
	}

	archiver, err := buildArchiver(ctx, cfg, logger, cl)
	if err != nil {
		return nil, err
	}

	return scraper.New(
		scraper.Config{
			Attempts:         cfg.Queues.Work.Attempts,
			LoginURLPatterns: cfg.Worker.LoginURLPatterns,
			ProbeFirst:       cfg.Worker.ProbeFirst && cfg.Probe.Enabled,
		},
		pool,
		prober,
		extract.NewEmail(),
		store,
		queue.NewOutcomePusher(results),
		archiver,
		system.New(),
		logger.Named("scraper"),
	), nil
}

// buildBatcher assembles the sink batcher behind the result queue.
func buildBatcher(ctx context.Context, cfg config.Config, snk sink.Sink, logger *zap.Logger, cl *closer) (*batcher.Batcher, error) {
	dead, err := buildDeadLetter(ctx, cfg, cl)
	if err != nil {
		return nil, err
	}
	return batcher.New(batcher.Config{
		SizeThreshold: cfg.Batcher.SizeThreshold,
		FlushInterval: cfg.Batcher.FlushInterval(),
		FlushAttempts: cfg.Batcher.FlushAttempts,
		BackoffBase:   cfg.Batcher.BackoffBase(),
	}, snk, dead, logger.Named("batcher")), nil
}
