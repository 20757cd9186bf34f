package cache

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const DefaultRefreshInterval = 15 * time.Minute

// Scheduler triggers RefreshAll(false) on a jittered interval.
type Scheduler struct {
	cache    *Cache
	logger   *slog.Logger
	onReport func(CycleReport)
}

func NewScheduler(c *Cache, logger *slog.Logger, onReport func(CycleReport)) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cache: c, logger: logger, onReport: onReport}
}

// Run performs a cycle immediately and then every interval, varied by the
// jitter ratio, until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, jitter float64) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s.cycle(ctx)
	timer := time.NewTimer(jitteredInterval(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			s.cycle(ctx)
			timer.Reset(jitteredInterval(interval, jitter, rng.Float64()))
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	report := s.cache.RefreshAll(ctx, false)
	if s.onReport != nil {
		s.onReport(report)
	}
}

func clampJitterRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// jitteredInterval spreads base by +/- ratio using sample in [0,1].
func jitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
