// Package app assembles the long-lived stores, fetchers and workers named
// by a Config into one Runtime that commands and the HTTP layer share.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/agentworkforce/govsync/internal/aggregates"
	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/clock"
	"github.com/agentworkforce/govsync/internal/config"
	"github.com/agentworkforce/govsync/internal/graph"
	"github.com/agentworkforce/govsync/internal/mirror"
	"github.com/agentworkforce/govsync/internal/retryhttp"
	"github.com/agentworkforce/govsync/internal/source"
	"github.com/agentworkforce/govsync/internal/syncer"
	"github.com/agentworkforce/govsync/internal/webhook"
)

type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
	// Source replaces the configured source repository; tests inject fakes.
	Source source.Source
	// DisableWorkers keeps jobs queued instead of running them, for
	// one-shot commands that only enqueue.
	DisableWorkers bool
}

// Runtime is the set of handles every entry point works with. Build it once
// and pass it down; Close releases everything in reverse order.
type Runtime struct {
	Config     config.Config
	Logger     *slog.Logger
	Clock      clock.Clock
	Graph      *graph.Store
	Mirror     mirror.Mirror
	Source     source.Source
	Queue      syncer.JobQueue
	Pipeline   *syncer.Pipeline
	Dispatcher *syncer.Dispatcher
	Replay     webhook.ReplayGuard
	// Intake is nil when no webhook secret is configured.
	Intake *webhook.Intake
	Cache  *cache.Cache

	closers []func() error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (_ *Runtime, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(opts.Clock)
	rt := &Runtime{Config: cfg, Logger: logger, Clock: clk}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Graph, err = graph.Open(ctx, cfg.Stores.Graph, graph.Options{Clock: clk, Logger: logger.With("component", "graph")})
	if err != nil {
		return nil, fmt.Errorf("graph store: %w", err)
	}
	rt.onClose(rt.Graph.Close)
	if path := strings.TrimSpace(cfg.Stores.DomainSeeds); path != "" {
		seeds, err := graph.LoadDomainSeeds(path)
		if err != nil {
			return nil, err
		}
		if err := rt.Graph.EnsureDomains(ctx, seeds); err != nil {
			return nil, err
		}
	}

	rt.Mirror, err = mirror.Open(ctx, cfg.Stores.Mirror)
	if err != nil {
		return nil, fmt.Errorf("content mirror: %w", err)
	}
	rt.onClose(rt.Mirror.Close)

	rt.Source = opts.Source
	if rt.Source == nil {
		rt.Source, err = BuildSource(cfg.Source, logger.With("component", "source"))
		if err != nil {
			return nil, err
		}
	}

	rt.Pipeline, err = syncer.NewPipeline(syncer.PipelineOptions{
		Source:        rt.Source,
		Mirror:        rt.Mirror,
		Graph:         rt.Graph,
		GroupPatterns: cfg.Sync.GroupPatterns,
		Concurrency:   cfg.Sync.Concurrency,
		Clock:         clk,
		Logger:        logger.With("component", "pipeline"),
	})
	if err != nil {
		return nil, err
	}

	rt.Queue, err = syncer.BuildJobQueueFromDSN(ctx, cfg.Stores.Queue, cfg.Stores.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("sync queue: %w", err)
	}
	rt.Dispatcher, err = syncer.NewDispatcher(syncer.DispatcherOptions{
		Runner:         rt.Pipeline,
		Queue:          rt.Queue,
		Workers:        cfg.Sync.Workers,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		RetryDelay:     cfg.Sync.RetryDelay,
		DisableWorkers: opts.DisableWorkers,
		Clock:          clk,
		Logger:         logger.With("component", "dispatcher"),
	})
	if err != nil {
		_ = rt.Queue.Close()
		return nil, err
	}
	// Dispatcher.Close closes the queue.
	rt.onClose(func() error { rt.Dispatcher.Close(); return nil })

	rt.Replay, err = webhook.OpenReplayGuard(ctx, cfg.Stores.Replay, cfg.Webhook.ReplayWindow, clk)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	rt.onClose(rt.Replay.Close)
	if secret := strings.TrimSpace(cfg.Webhook.Secret); secret != "" {
		rt.Intake, err = webhook.NewIntake(webhook.IntakeOptions{
			Secret:    []byte(secret),
			Branch:    cfg.Webhook.Branch,
			Replay:    rt.Replay,
			Submitter: rt.Dispatcher,
			Logger:    logger.With("component", "webhook"),
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("webhook secret not configured; push intake disabled")
	}

	store, err := cache.OpenStore(ctx, cfg.Stores.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	rt.Cache, err = cache.New(cache.Options{
		Store:       store,
		Concurrency: cfg.Refresh.Concurrency,
		Clock:       clk,
		Logger:      logger.With("component", "cache"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rt.onClose(rt.Cache.Close)

	groups := &aggregates.GroupsFetcher{
		Source:   rt.Source,
		Patterns: cfg.Sync.GroupPatterns,
		Ref:      cfg.Source.Ref,
		TTL:      cfg.Refresh.GroupsTTL,
		Logger:   logger.With("component", "groups"),
	}
	if err := aggregates.Register(rt.Cache, retryhttp.New(retryhttp.Options{}), cfg.Aggregates, groups, clk); err != nil {
		return nil, fmt.Errorf("aggregates: %w", err)
	}
	return rt, nil
}

// BuildSource returns the configured source repository.
func BuildSource(cfg config.SourceConfig, logger *slog.Logger) (source.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "local":
		return source.NewLocal(cfg.LocalRoot)
	case "", "github":
		owner, repo, err := source.ParseRepository(cfg.Repository)
		if err != nil {
			return nil, err
		}
		return source.NewGitHub(source.GitHubOptions{
			BaseURL:       cfg.BaseURL,
			Owner:         owner,
			Repo:          repo,
			TokenProvider: source.StaticToken(cfg.Token),
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported source kind: %s", cfg.Kind)
	}
}

func (r *Runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close stops the dispatcher and releases stores, newest first.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Backends describes the configured backends with credentials redacted.
func (r *Runtime) Backends() map[string]string {
	return map[string]string{
		"graph":   redactDSN(r.Config.Stores.Graph) + " (" + r.Graph.Backend() + ")",
		"mirror":  redactDSN(r.Config.Stores.Mirror),
		"queue":   redactDSN(r.Config.Stores.Queue),
		"cache":   redactDSN(r.Config.Stores.Cache),
		"replay":  redactDSN(r.Config.Stores.Replay),
		"profile": r.Config.Profile,
	}
}

func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return dsn
	}
	return parsed.Redacted()
}

// NewLogger builds the process logger from log.level and log.format.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
