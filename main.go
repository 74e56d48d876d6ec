package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ekaya-predict",
		Short: "CSV validation and prediction service",
		Long: `ekaya-predict validates uploaded CSV datasets against a reference schema
derived from known-good files, encodes them with a label mapping, runs a
pre-trained classifier and returns the dataset enriched with predictions.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config.yaml")

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newLoadLookupCmd(),
		newMigrateCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version info",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ekaya-predict %s\n", Version)
			},
		},
	)

	return rootCmd
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFrom(configPath, Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
