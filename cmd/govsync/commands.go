package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/govsync/internal/graph"
	"github.com/agentworkforce/govsync/internal/syncer"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var deleted []string
	var commit string
	cmd := &cobra.Command{
		Use:   "sync [path...]",
		Short: "Sync the given changed paths now and print the report",
		Long: `Runs the sync pipeline in the foreground for the given paths, exactly as a
push that touched them would. Paths passed with --deleted are retired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := syncer.Job{
				Changed: args,
				Deleted: deleted,
				Commit:  strings.TrimSpace(commit),
				Reason:  "cli",
				Attempt: 1,
			}
			if job.Commit == "" {
				job.Commit = opts.cfg.Source.Ref
			}
			if job.Empty() {
				return fmt.Errorf("no paths given")
			}
			rt, err := opts.buildRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			report := rt.Pipeline.Run(cmd.Context(), job)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return reportError(report)
		},
	}
	cmd.Flags().StringSliceVar(&deleted, "deleted", nil, "paths removed from the corpus")
	cmd.Flags().StringVar(&commit, "commit", "", "commit id recorded on synced documents (default source.ref)")
	return cmd
}

func newResyncCommand(opts *rootOptions) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Re-sync every markdown file in the source and retire removed documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(ref) == "" {
				ref = opts.cfg.Source.Ref
			}
			rt, err := opts.buildRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			job, err := rt.Pipeline.PlanReconcile(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if job.Empty() {
				opts.logger.Info("resync found nothing to sync", "ref", ref)
				return printJSON(cmd.OutOrStdout(), syncer.Report{Commit: ref, Reason: job.Reason})
			}
			job.Attempt = 1
			report := rt.Pipeline.Run(cmd.Context(), job)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return reportError(report)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "source ref to list (default source.ref)")
	return cmd
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one aggregate refresh cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.buildRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			report := rt.Cache.RefreshAll(cmd.Context(), force)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d aggregate(s) failed to refresh", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refresh every source regardless of TTL and invalidate composites")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the graph schema and seed domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureDataDir(opts.cfg); err != nil {
				return err
			}
			store, err := graph.Open(cmd.Context(), opts.cfg.Stores.Graph, graph.Options{Logger: opts.logger})
			if err != nil {
				return err
			}
			defer store.Close()
			if path := strings.TrimSpace(opts.cfg.Stores.DomainSeeds); path != "" {
				seeds, err := graph.LoadDomainSeeds(path)
				if err != nil {
					return err
				}
				if err := store.EnsureDomains(cmd.Context(), seeds); err != nil {
					return err
				}
			}
			domains, err := store.ListDomains(cmd.Context())
			if err != nil {
				return err
			}
			opts.logger.Info("graph schema ready", "backend", store.Backend(), "domains", len(domains))
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"backend": store.Backend(),
				"domains": len(domains),
			})
		},
	}
}

// reportError turns store failures in a foreground run into a non-zero
// exit; fetch failures and unindexable files are reported but not fatal.
func reportError(report syncer.Report) error {
	if len(report.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d path(s) failed to sync", len(report.Failed))
}
