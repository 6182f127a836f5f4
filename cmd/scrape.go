package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leadharbor/harvester/internal/queue"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape",
		Short: "Run only the scrape workers against the work queue.",
		RunE:  runScrape,
	}
}

func runScrape(cmd *cobra.Command, _ []string) error {
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
	worker, err := buildScrapeWorker(ctx, cfg, queues.results, logger, cl)
	if err != nil {
		return err
	}

	consumer := queue.NewConsumer(queues.work, worker.Handle, consumerConfig("work", cfg.Queues.Work), newClock(), logger)
	logger.Info("scrape workers started")
	consumer.Run(ctx)
	logger.Info("scrape workers stopped")
	return nil
}
