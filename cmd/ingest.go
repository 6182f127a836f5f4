package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Poll destinations and enqueue pending rows as scrape tasks.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll every destination a single time and exit")
	return cmd
}

func runIngest(cmd *cobra.Command, once bool) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	if len(cfg.Ingest.Destinations) == 0 {
		return fmt.Errorf("ingest.destinations is empty")
	}

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

	ingestor := ingest.New(ingest.Config{
		BatchSize:    cfg.Ingest.BatchSize,
		PollInterval: cfg.Ingest.PollInterval(),
		BurstDelay:   cfg.Ingest.BurstDelay(),
		Destinations: cfg.Ingest.Destinations,
	}, snk, queues.work, logger.Named("ingest"))

	if once {
		n, _, err := ingestor.PollOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("poll complete", zap.Int("enqueued", n))
		return nil
	}

	logger.Info("ingestor started")
	ingestor.Run(ctx)
	logger.Info("ingestor stopped")
	return nil
}
