package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medscan-diagnosis-server/internal/app"
	"github.com/medscan-diagnosis-server/internal/logging"
)

type auditFlags struct {
	limit  int
	output string
}

func newAuditCmd(root *rootFlags) *cobra.Command {
	flags := &auditFlags{}
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read or migrate the request audit trail",
	}
	cmd.PersistentFlags().StringVarP(&flags.output, "output", "o", formatJSON, "Output format: json or yaml")

	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent audit records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			store, err := app.OpenAudit(cmd.Context(), cfg.Audit, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), flags.limit)
			if err != nil {
				return fmt.Errorf("read audit trail: %w", err)
			}
			return render(cmd.OutOrStdout(), flags.output, records)
		},
	}
	recent.Flags().IntVarP(&flags.limit, "limit", "n", 20, "Number of records")

	counts := &cobra.Command{
		Use:   "counts",
		Short: "Count audit records per operation and outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			store, err := app.OpenAudit(cmd.Context(), cfg.Audit, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			totals, err := store.Counts(cmd.Context())
			if err != nil {
				return fmt.Errorf("count audit records: %w", err)
			}
			return render(cmd.OutOrStdout(), flags.output, totals)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending audit schema migrations (postgres driver)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			if err := app.Migrate(cmd.Context(), cfg.Audit, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Audit schema up to date (driver %s)\n", cfg.Audit.Driver)
			return nil
		},
	}

	cmd.AddCommand(recent, counts, migrate)
	return cmd
}
