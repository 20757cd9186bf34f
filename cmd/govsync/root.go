package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/govsync/internal/app"
	"github.com/agentworkforce/govsync/internal/config"
)

// rootOptions holds global flags and the state PersistentPreRunE loads.
type rootOptions struct {
	ConfigFile string
	LogLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "govsync",
		Short:         "Governance corpus sync and aggregate cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			if level := strings.TrimSpace(opts.LogLevel); level != "" {
				cfg.Log.Level = level
			}
			opts.cfg = cfg
			opts.logger = app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./govsync.yaml or ~/.config/govsync/govsync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newResyncCommand(opts))
	cmd.AddCommand(newRefreshCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

// buildRuntime opens every backend the loaded configuration names.
// One-shot commands pass disableWorkers so nothing runs behind their back.
func (o *rootOptions) buildRuntime(ctx context.Context, disableWorkers bool) (*app.Runtime, error) {
	if err := ensureDataDir(o.cfg); err != nil {
		return nil, err
	}
	return app.Build(ctx, o.cfg, app.Options{Logger: o.logger, DisableWorkers: disableWorkers})
}

// ensureDataDir creates data_dir for the durable-local profile, whose
// sqlite and file DSNs live under it.
func ensureDataDir(cfg config.Config) error {
	if !strings.EqualFold(strings.TrimSpace(cfg.Profile), "durable-local") {
		return nil
	}
	dir := strings.TrimSpace(cfg.DataDir)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
