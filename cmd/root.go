// Package cmd wires the harvester binaries together with Cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/config"
	"github.com/leadharbor/harvester/internal/logging"
)

var cfgFile string

// setup loads configuration and builds the process logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func syncLogger(logger *zap.Logger) {
	// Sync on stderr returns EINVAL on Linux; nothing actionable.
	_ = logger.Sync()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A queue-backed contact harvesting pipeline.",
		Long: `harvester turns spreadsheets of profile URLs into contact emails.
It polls destinations for pending rows, scrapes each page through a
session-rotating headless browser, and writes results back in
rate-limited batches.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newIngestCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}
