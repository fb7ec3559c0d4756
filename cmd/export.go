package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/clock/system"
	"github.com/qiwenli/mpcrawl/internal/config"
	"github.com/qiwenli/mpcrawl/internal/export"
	"github.com/qiwenli/mpcrawl/internal/logging"
)

func newExportCmd() *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export collected records from the checkpoint as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			return runExport(cmd, cfg, account)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "export a single account (default: all)")
	return cmd
}

func runExport(cmd *cobra.Command, cfg config.Config, account string) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.StoredRecords(ctx, account)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	if len(records) == 0 {
		logger.Warn("no records to export", zap.String("account", account))
		return nil
	}

	path, err := export.WriteFile(cfg.Export.Dir, account, system.New().Now(), records)
	if err != nil {
		return err
	}
	logger.Info("export written",
		zap.String("path", path),
		zap.Int("records", len(records)),
	)
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
