package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medscan-diagnosis-server/internal/app"
	"github.com/medscan-diagnosis-server/internal/config"
	"github.com/medscan-diagnosis-server/internal/domain"
)

type rootFlags struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "medscan",
		Short:         "Operate the medical scan diagnosis pipeline",
		Long:          "medscan runs uploads through the diagnosis pipeline, inspects model\nstatus and reads the request audit trail.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: app.Version,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", os.Getenv("MEDSCAN_CONFIG"), "Config file (default: search for config.yaml)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log at debug level")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newModelsCmd(flags))
	cmd.AddCommand(newAuditCmd(flags))
	cmd.AddCommand(newSetupCmd())
	return cmd
}

// loadConfig reads and validates configuration. CLI logs always go to stderr
// so stdout stays parseable.
func (f *rootFlags) loadConfig() (*domain.Config, error) {
	manager, err := config.NewManager(f.configFile)
	if err != nil {
		return nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := manager.GetConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Format = "text"
	if f.verbose {
		cfg.Logging.Level = "debug"
	} else {
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

// openApp assembles the pipeline with models loaded on demand
func (f *rootFlags) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{LazyModels: true})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
