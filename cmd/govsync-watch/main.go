package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/govsync/internal/pushrelay"
	"github.com/agentworkforce/govsync/internal/retryhttp"
	"github.com/agentworkforce/govsync/internal/source"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("GOVSYNC_WATCH_BASE_URL", "http://127.0.0.1:8080"), "govsync base URL")
	secret := flag.String("secret", strings.TrimSpace(os.Getenv("GOVSYNC_WEBHOOK_SECRET")), "webhook secret shared with the server")
	provider := flag.String("provider", envOrDefault("GOVSYNC_WATCH_PROVIDER", "github"), "webhook provider format (github|gitea)")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("GOVSYNC_WATCH_LOCAL_DIR")), "governance checkout to watch")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("GOVSYNC_WATCH_STATE_FILE")), "relay snapshot path")
	branch := flag.String("branch", envOrDefault("GOVSYNC_WATCH_BRANCH", "main"), "branch reported in push events")
	repository := flag.String("repository", strings.TrimSpace(os.Getenv("GOVSYNC_WATCH_REPOSITORY")), "repository full name reported in push events")
	debounce := flag.Duration("debounce", durationEnv("GOVSYNC_WATCH_DEBOUNCE", 500*time.Millisecond), "filesystem event debounce")
	interval := flag.Duration("interval", durationEnv("GOVSYNC_WATCH_INTERVAL", time.Minute), "full rescan interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("GOVSYNC_WATCH_INTERVAL_JITTER", 0.2), "rescan interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("GOVSYNC_WATCH_TIMEOUT", 15*time.Second), "per-delivery timeout")
	once := flag.Bool("once", false, "relay one full scan and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if strings.TrimSpace(*secret) == "" {
		fatal(logger, "secret is required (--secret or GOVSYNC_WEBHOOK_SECRET)")
	}
	if strings.TrimSpace(*localDir) == "" {
		fatal(logger, "local-dir is required (--local-dir or GOVSYNC_WATCH_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = time.Minute
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	relay, err := pushrelay.New(pushrelay.Options{
		Endpoint:   *baseURL,
		Provider:   *provider,
		Secret:     *secret,
		LocalRoot:  *localDir,
		StateFile:  *stateFile,
		Branch:     *branch,
		Repository: *repository,
		Client:     retryhttp.New(retryhttp.Options{HTTPClient: &http.Client{Timeout: *timeout}}),
		Logger:     logger,
	})
	if err != nil {
		fatal(logger, "failed to initialize push relay", "error", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scan := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		out, err := relay.ScanOnce(ctx)
		if err != nil {
			logger.Warn("relay scan failed", "error", err)
			return
		}
		if out.Empty() {
			logger.Debug("relay scan found no changes")
		}
	}

	scan(rootCtx)
	if *once {
		return
	}

	watcher, err := source.NewWatcher(*localDir, source.WatcherOptions{Debounce: *debounce, Logger: logger})
	if err != nil {
		fatal(logger, "failed to watch checkout", "error", err)
	}
	defer watcher.Close()

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return watcher.Run(ctx, func(ctx context.Context, set source.ChangeSet) {
			sendCtx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			if _, err := relay.Send(sendCtx, set); err != nil {
				logger.Warn("relay send failed; next rescan will retry", "changed", len(set.Changed), "deleted", len(set.Deleted), "error", err)
			}
		})
	})
	g.Go(func() error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				scan(ctx)
				timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "watch stopped", "error", err)
	}
	logger.Info("watch stopping", "reason", rootCtx.Err())
}

func fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
