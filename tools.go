package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/database"
	"github.com/ekaya-inc/ekaya-predict/pkg/schema"
	"github.com/ekaya-inc/ekaya-predict/pkg/services"
	"github.com/ekaya-inc/ekaya-predict/pkg/validation"
)

var errInvalidUpload = errors.New("file failed validation")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.csv>",
		Short: "Validate a CSV file against the reference schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			refSchema, err := schema.Load(cmd.Context(), cfg.Reference.Files, logger)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			verdict := validation.ValidateReader(f, refSchema)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(verdict); err != nil {
				return err
			}
			if !verdict.IsValid {
				return errInvalidUpload
			}
			return nil
		},
	}
}

func newLoadLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-lookup",
		Short: "Load distinct reference values into the lookup store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStorage(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if st.lookup == nil {
				return fmt.Errorf("lookup driver %q has no store to load", cfg.Lookup.Driver)
			}

			loader := services.NewLookupLoader(st.lookup, services.LookupLoaderConfig{
				Files:           cfg.Reference.Files,
				BatchSize:       cfg.Lookup.BatchSize,
				CommitEveryRows: cfg.Lookup.CommitEveryRows,
			}, logger)
			runErr := loader.Run(ctx)

			status := loader.Status()
			logger.Info("Lookup load finished",
				zap.String("state", string(status.State)),
				zap.Int64("rows_read", status.RowsRead),
				zap.Int64("values_inserted", status.ValuesInserted))
			return runErr
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply lookup database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStorage(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if st.sqlDB == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "lookup store disabled; nothing to migrate")
				return nil
			}

			version, dirty, err := database.MigrationVersion(st.sqlDB, st.dialect)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}
