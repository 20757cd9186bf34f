package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var noRefresh bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sync workers and the aggregate refresh scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, !noRefresh)
		},
	}
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "do not run the periodic aggregate refresh")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, refresh bool) error {
	cfg := opts.cfg
	logger := opts.logger
	rt, err := opts.buildRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	server := httpapi.NewServer(rt, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		RateLimitMax:    cfg.RateLimit.Max,
		RateLimitWindow: cfg.RateLimit.Window,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		ResyncRef:       cfg.Source.Ref,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("govsync listening", "addr", cfg.Addr, "profile", cfg.Profile)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if refresh {
		scheduler := cache.NewScheduler(rt.Cache, logger.With("component", "scheduler"), func(report cache.CycleReport) {
			server.Events().Publish("cache.refresh", report)
		})
		g.Go(func() error {
			return scheduler.Run(gctx, cfg.Refresh.Interval, cfg.Refresh.Jitter)
		})
	}
	err = g.Wait()
	logger.Info("govsync stopped", "reason", context.Cause(ctx))
	return err
}
