package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadharbor/harvester/internal/queue"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch",
		Short: "Run only the sink batcher against the result queue.",
		RunE:  runBatch,
	}
}

func runBatch(cmd *cobra.Command, _ []string) error {
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
	b, err := buildBatcher(ctx, cfg, snk, logger, cl)
	if err != nil {
		return err
	}

	consumer := queue.NewConsumer(queues.results, b.Handle, consumerConfig("results", cfg.Queues.Results), newClock(), logger)
	logger.Info("batcher started")
	consumer.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Close(flushCtx)
	logger.Info("batcher stopped")
	return nil
}
