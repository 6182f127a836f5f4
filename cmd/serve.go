package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/api"
	"github.com/leadharbor/harvester/internal/ingest"
	"github.com/leadharbor/harvester/internal/queue"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline: ingestor, scrape workers, batcher, and control plane.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl := &closer{}
	defer cl.close()

	queues, err := openQueues(ctx, cfg, logger, cl)
	if err != nil {
		return err
	}

	snk, err := buildSink(ctx, cfg, cl)
	if err != nil {
		return err
	}

	worker, err := buildScrapeWorker(ctx, cfg, queues.results, logger, cl)
	if err != nil {
		return err
	}
	b, err := buildBatcher(ctx, cfg, snk, logger, cl)
	if err != nil {
		return err
	}

	clock := newClock()
	workConsumer := queue.NewConsumer(queues.work, worker.Handle, consumerConfig("work", cfg.Queues.Work), clock, logger)
	resultConsumer := queue.NewConsumer(queues.results, b.Handle, consumerConfig("results", cfg.Queues.Results), clock, logger)

	ingestor := ingest.New(ingest.Config{
		BatchSize:    cfg.Ingest.BatchSize,
		PollInterval: cfg.Ingest.PollInterval(),
		BurstDelay:   cfg.Ingest.BurstDelay(),
		Destinations: cfg.Ingest.Destinations,
	}, snk, queues.work, logger.Named("ingest"))

	apiServer := api.NewServer(queues.work, map[string]*queue.Consumer{
		"work":    workConsumer,
		"results": resultConsumer,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		logger.Info("work consumer started")
		workConsumer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logger.Info("result consumer started")
		resultConsumer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if len(cfg.Ingest.Destinations) == 0 {
			logger.Info("no ingest destinations configured, poll loop idle")
			return
		}
		logger.Info("ingestor started")
		ingestor.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Consumers first so no new outcomes land mid-flush, then the
	// final flush, then the closer tears down queues and stores.
	wg.Wait()
	b.Close(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}
