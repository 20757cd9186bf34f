// Package cache keeps externally sourced aggregates warm. Each key has its
// own TTL; one periodic refresh cycle serves keys with very different
// freshness needs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/govsync/internal/clock"
)

const defaultConcurrency = 8

// FetchFunc produces the current JSON value for one key.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Source is a key refreshed from an upstream fetcher.
type Source struct {
	Key   string
	TTL   time.Duration
	Fetch FetchFunc
}

// BuildFunc combines constituent values into a composite value. values only
// holds constituents that are currently cached.
type BuildFunc func(ctx context.Context, values map[string]json.RawMessage) (json.RawMessage, error)

// Composite is derived from other keys. A forced refresh invalidates it; the
// next read rebuilds it.
type Composite struct {
	Key          string
	TTL          time.Duration
	Constituents []string
	Build        BuildFunc
}

type Options struct {
	Store       Store
	Concurrency int
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Cache struct {
	store       Store
	concurrency int
	clock       clock.Clock
	logger      *slog.Logger
	group       singleflight.Group

	mu         sync.RWMutex
	sources    map[string]Source
	composites map[string]Composite
}

// CycleReport summarizes one RefreshAll run.
type CycleReport struct {
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Forced      bool              `json:"forced"`
	Refreshed   []string          `json:"refreshed"`
	Skipped     []string          `json:"skipped"`
	Failed      map[string]string `json:"failed,omitempty"`
	Invalidated []string          `json:"invalidated,omitempty"`
}

func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:       opts.Store,
		concurrency: opts.Concurrency,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger,
		sources:     map[string]Source{},
		composites:  map[string]Composite{},
	}, nil
}

func (c *Cache) Register(src Source) error {
	if src.Key == "" || src.TTL <= 0 || src.Fetch == nil {
		return fmt.Errorf("%w: source needs key, positive ttl and fetcher", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.composites[src.Key]; ok {
		return fmt.Errorf("%w: %s is already a composite", ErrInvalidInput, src.Key)
	}
	c.sources[src.Key] = src
	return nil
}

func (c *Cache) RegisterComposite(comp Composite) error {
	if comp.Key == "" || comp.TTL <= 0 || comp.Build == nil || len(comp.Constituents) == 0 {
		return fmt.Errorf("%w: composite needs key, positive ttl, builder and constituents", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[comp.Key]; ok {
		return fmt.Errorf("%w: %s is already a source", ErrInvalidInput, comp.Key)
	}
	comp.Constituents = append([]string(nil), comp.Constituents...)
	c.composites[comp.Key] = comp
	return nil
}

// Keys lists every registered source and composite key.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.sources)+len(c.composites))
	for k := range c.sources {
		keys = append(keys, k)
	}
	for k := range c.composites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) lookup(key string) (Source, Composite, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, isSource := c.sources[key]
	comp, isComposite := c.composites[key]
	return src, comp, isSource, isComposite
}

// Put stores value under key for ttl.
func (c *Cache) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if key == "" || ttl <= 0 {
		return ErrInvalidInput
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: value for %s is not JSON", ErrInvalidInput, key)
	}
	now := c.clock.Now().UTC()
	return c.store.Put(ctx, Entry{Key: key, Value: value, RefreshedAt: now, ExpiresAt: now.Add(ttl)})
}

// LastRefreshed reports when key was last written; ok is false when the key
// has never been cached.
func (c *Cache) LastRefreshed(ctx context.Context, key string) (time.Time, bool, error) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return e.RefreshedAt, true, nil
}

// Get is a read-through lookup. A fresh entry is returned as is. A missing or
// expired entry is fetched (composites are rebuilt) once across concurrent
// callers; when that fails and an old entry exists it is served with Stale
// set.
func (c *Cache) Get(ctx context.Context, key string) (Entry, error) {
	cached, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		ok = false
	}
	if ok && cached.Fresh(c.clock.Now()) {
		return cached, nil
	}
	src, comp, isSource, isComposite := c.lookup(key)
	if !isSource && !isComposite {
		return Entry{}, ErrNotFound
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if isSource {
			return c.refresh(ctx, src)
		}
		return c.rebuild(ctx, comp)
	})
	if err != nil {
		if ok {
			c.logger.Warn("serving stale aggregate", "key", key, "error", err)
			cached.Stale = true
			return cached, nil
		}
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) refresh(ctx context.Context, src Source) (Entry, error) {
	value, err := src.Fetch(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %s: %w", src.Key, err)
	}
	if !json.Valid(value) {
		return Entry{}, fmt.Errorf("fetch %s: upstream returned invalid JSON", src.Key)
	}
	now := c.clock.Now().UTC()
	e := Entry{Key: src.Key, Value: value, RefreshedAt: now, ExpiresAt: now.Add(src.TTL)}
	if err := c.store.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("store %s: %w", src.Key, err)
	}
	return e, nil
}

func (c *Cache) rebuild(ctx context.Context, comp Composite) (Entry, error) {
	values := make(map[string]json.RawMessage, len(comp.Constituents))
	for _, key := range comp.Constituents {
		e, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return Entry{}, fmt.Errorf("read constituent %s: %w", key, err)
		}
		if ok {
			values[key] = e.Value
		}
	}
	value, err := comp.Build(ctx, values)
	if err != nil {
		return Entry{}, fmt.Errorf("build %s: %w", comp.Key, err)
	}
	now := c.clock.Now().UTC()
	e := Entry{Key: comp.Key, Value: value, RefreshedAt: now, ExpiresAt: now.Add(comp.TTL)}
	if err := c.store.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("store %s: %w", comp.Key, err)
	}
	return e, nil
}

// Invalidate drops key so the next read recomputes it.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// RefreshAll refreshes every source whose TTL has elapsed since its last
// refresh, or every source when force is set. Sources refresh concurrently;
// one failure is logged and recorded without cancelling the others. A forced
// cycle also invalidates every composite.
func (c *Cache) RefreshAll(ctx context.Context, force bool) CycleReport {
	report := CycleReport{StartedAt: c.clock.Now().UTC(), Forced: force, Failed: map[string]string{}}

	c.mu.RLock()
	sources := make([]Source, 0, len(c.sources))
	for _, src := range c.sources {
		sources = append(sources, src)
	}
	composites := make([]string, 0, len(c.composites))
	for key := range c.composites {
		composites = append(composites, key)
	}
	c.mu.RUnlock()
	sort.Slice(sources, func(i, j int) bool { return sources[i].Key < sources[j].Key })
	sort.Strings(composites)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, src := range sources {
		if !force && !c.due(ctx, src) {
			report.Skipped = append(report.Skipped, src.Key)
			continue
		}
		g.Go(func() error {
			_, err, _ := c.group.Do(src.Key, func() (any, error) {
				return c.refresh(ctx, src)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("aggregate refresh failed", "key", src.Key, "error", err)
				report.Failed[src.Key] = err.Error()
				return nil
			}
			report.Refreshed = append(report.Refreshed, src.Key)
			return nil
		})
	}
	_ = g.Wait()

	if force {
		for _, key := range composites {
			if err := c.store.Delete(ctx, key); err != nil {
				c.logger.Warn("composite invalidation failed", "key", key, "error", err)
				report.Failed[key] = err.Error()
				continue
			}
			report.Invalidated = append(report.Invalidated, key)
		}
	}
	sort.Strings(report.Refreshed)
	report.FinishedAt = c.clock.Now().UTC()
	c.logger.Info("aggregate refresh cycle",
		"forced", force,
		"refreshed", len(report.Refreshed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	return report
}

func (c *Cache) due(ctx context.Context, src Source) bool {
	last, ok, err := c.LastRefreshed(ctx, src.Key)
	if err != nil || !ok {
		return true
	}
	return c.clock.Now().Sub(last) >= src.TTL
}

func (c *Cache) Close() error {
	return c.store.Close()
}
