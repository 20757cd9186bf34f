package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/govsync/internal/clock"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type countingFetcher struct {
	calls atomic.Int32
	mu    sync.Mutex
	value string
	err   error
}

func (f *countingFetcher) fetch(context.Context) (json.RawMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.value), nil
}

func (f *countingFetcher) set(value string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.err = value, err
}

func newTestCache(t *testing.T) (*Cache, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(t0)
	c, err := New(Options{Store: NewMemoryStore(), Clock: fake})
	require.NoError(t, err)
	return c, fake
}

func TestRefreshAllHonoursPerKeyTTL(t *testing.T) {
	c, fake := newTestCache(t)
	slow := &countingFetcher{value: `["admin"]`}
	fast := &countingFetcher{value: `[1,2]`}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: 900 * time.Second, Fetch: slow.fetch}))
	require.NoError(t, c.Register(Source{Key: "proposals", TTL: 60 * time.Second, Fetch: fast.fetch}))

	report := c.RefreshAll(context.Background(), false)
	assert.Equal(t, []string{"proposals", "roles"}, report.Refreshed)

	fake.Advance(500 * time.Second)
	report = c.RefreshAll(context.Background(), false)
	assert.Equal(t, []string{"proposals"}, report.Refreshed)
	assert.Equal(t, []string{"roles"}, report.Skipped)
	assert.EqualValues(t, 1, slow.calls.Load())

	fake.Advance(401 * time.Second)
	report = c.RefreshAll(context.Background(), false)
	assert.Equal(t, []string{"proposals", "roles"}, report.Refreshed)
	assert.EqualValues(t, 2, slow.calls.Load())

	last, ok, err := c.LastRefreshed(context.Background(), "roles")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(901*time.Second), last)
}

func TestRefreshAllForceRefreshesEverything(t *testing.T) {
	c, _ := newTestCache(t)
	f := &countingFetcher{value: `{}`}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Hour, Fetch: f.fetch}))

	c.RefreshAll(context.Background(), false)
	report := c.RefreshAll(context.Background(), true)
	assert.True(t, report.Forced)
	assert.Equal(t, []string{"roles"}, report.Refreshed)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	c, _ := newTestCache(t)
	bad := &countingFetcher{err: errors.New("upstream 503")}
	good := &countingFetcher{value: `[1]`}
	require.NoError(t, c.Register(Source{Key: "members", TTL: time.Minute, Fetch: bad.fetch}))
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Minute, Fetch: good.fetch}))

	report := c.RefreshAll(context.Background(), false)
	assert.Equal(t, []string{"roles"}, report.Refreshed)
	require.Contains(t, report.Failed, "members")
	assert.Contains(t, report.Failed["members"], "upstream 503")

	_, ok, err := c.LastRefreshed(context.Background(), "members")
	require.NoError(t, err)
	assert.False(t, ok)

	// The failed key stays due on the next cycle.
	report = c.RefreshAll(context.Background(), false)
	assert.Contains(t, report.Failed, "members")
	assert.Equal(t, []string{"roles"}, report.Skipped)
}

func TestRefreshAllRejectsInvalidJSON(t *testing.T) {
	c, _ := newTestCache(t)
	f := &countingFetcher{value: `not json`}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Minute, Fetch: f.fetch}))
	report := c.RefreshAll(context.Background(), false)
	assert.Contains(t, report.Failed, "roles")
}

func overviewBuilder(builds *atomic.Int32) BuildFunc {
	return func(_ context.Context, values map[string]json.RawMessage) (json.RawMessage, error) {
		builds.Add(1)
		return json.Marshal(map[string]int{"constituents": len(values)})
	}
}

func TestCompositeInvalidatedOnForceAndRebuiltLazily(t *testing.T) {
	c, _ := newTestCache(t)
	roles := &countingFetcher{value: `["a"]`}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Hour, Fetch: roles.fetch}))
	require.NoError(t, c.Register(Source{Key: "members", TTL: time.Hour, Fetch: (&countingFetcher{value: `[]`}).fetch}))
	var builds atomic.Int32
	require.NoError(t, c.RegisterComposite(Composite{Key: "overview", TTL: time.Hour, Constituents: []string{"roles", "members"}, Build: overviewBuilder(&builds)}))

	// Only roles is cached so far.
	_, err := c.Get(context.Background(), "roles")
	require.NoError(t, err)
	e, err := c.Get(context.Background(), "overview")
	require.NoError(t, err)
	assert.JSONEq(t, `{"constituents":1}`, string(e.Value))

	_, err = c.Get(context.Background(), "overview")
	require.NoError(t, err)
	assert.EqualValues(t, 1, builds.Load())

	report := c.RefreshAll(context.Background(), true)
	assert.Equal(t, []string{"overview"}, report.Invalidated)
	assert.EqualValues(t, 1, builds.Load(), "force must not recompute the composite")
	_, ok, err := c.LastRefreshed(context.Background(), "overview")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err = c.Get(context.Background(), "overview")
	require.NoError(t, err)
	assert.JSONEq(t, `{"constituents":2}`, string(e.Value))
	assert.EqualValues(t, 2, builds.Load())
}

func TestGetReadThroughAndStale(t *testing.T) {
	c, fake := newTestCache(t)
	f := &countingFetcher{value: `{"v":1}`}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Minute, Fetch: f.fetch}))

	e, err := c.Get(context.Background(), "roles")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(e.Value))
	assert.False(t, e.Stale)

	_, err = c.Get(context.Background(), "roles")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())

	fake.Advance(2 * time.Minute)
	f.set("", errors.New("down"))
	e, err = c.Get(context.Background(), "roles")
	require.NoError(t, err)
	assert.True(t, e.Stale)
	assert.JSONEq(t, `{"v":1}`, string(e.Value))

	f.set(`{"v":2}`, nil)
	e, err = c.Get(context.Background(), "roles")
	require.NoError(t, err)
	assert.False(t, e.Stale)
	assert.JSONEq(t, `{"v":2}`, string(e.Value))
}

func TestGetMissWithFailingFetcher(t *testing.T) {
	c, _ := newTestCache(t)
	f := &countingFetcher{err: errors.New("down")}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Minute, Fetch: f.fetch}))
	_, err := c.Get(context.Background(), "roles")
	require.Error(t, err)

	_, err = c.Get(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetCollapsesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Minute, Fetch: func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`[]`), nil
	}}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "roles")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestPutAndExpiryWithoutFetcher(t *testing.T) {
	c, fake := newTestCache(t)
	require.NoError(t, c.Put(context.Background(), "adhoc", json.RawMessage(`[1]`), time.Minute))
	e, err := c.Get(context.Background(), "adhoc")
	require.NoError(t, err)
	assert.JSONEq(t, `[1]`, string(e.Value))

	fake.Advance(time.Minute)
	_, err = c.Get(context.Background(), "adhoc")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, c.Put(context.Background(), "adhoc", json.RawMessage(`{`), time.Minute), ErrInvalidInput)
	require.ErrorIs(t, c.Put(context.Background(), "adhoc", json.RawMessage(`1`), 0), ErrInvalidInput)
}

func TestRegisterValidation(t *testing.T) {
	c, _ := newTestCache(t)
	noop := func(context.Context) (json.RawMessage, error) { return nil, nil }
	require.ErrorIs(t, c.Register(Source{Key: "", TTL: time.Minute, Fetch: noop}), ErrInvalidInput)
	require.ErrorIs(t, c.Register(Source{Key: "x", Fetch: noop}), ErrInvalidInput)
	require.NoError(t, c.Register(Source{Key: "x", TTL: time.Minute, Fetch: noop}))
	var builds atomic.Int32
	require.ErrorIs(t, c.RegisterComposite(Composite{Key: "x", TTL: time.Minute, Constituents: []string{"y"}, Build: overviewBuilder(&builds)}), ErrInvalidInput)
	require.ErrorIs(t, c.RegisterComposite(Composite{Key: "z", TTL: time.Minute, Build: overviewBuilder(&builds)}), ErrInvalidInput)
	assert.Equal(t, []string{"x"}, c.Keys())
}

func TestJitteredInterval(t *testing.T) {
	cases := []struct {
		base   time.Duration
		ratio  float64
		sample float64
		want   time.Duration
	}{
		{base: time.Minute, ratio: 0, sample: 0.9, want: time.Minute},
		{base: time.Minute, ratio: 0.5, sample: 0, want: 30 * time.Second},
		{base: time.Minute, ratio: 0.5, sample: 1, want: 90 * time.Second},
		{base: time.Minute, ratio: 0.5, sample: 0.5, want: time.Minute},
		{base: time.Minute, ratio: 3, sample: 0, want: time.Millisecond},
		{base: 0, ratio: 0.2, sample: 0.5, want: 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, jitteredInterval(tc.base, tc.ratio, tc.sample), fmt.Sprintf("%+v", tc))
	}
}

func TestSchedulerRunsCycleUntilCancelled(t *testing.T) {
	c, err := New(Options{Store: NewMemoryStore()})
	require.NoError(t, err)
	f := &countingFetcher{value: `[]`}
	require.NoError(t, c.Register(Source{Key: "roles", TTL: time.Hour, Fetch: f.fetch}))

	reports := make(chan CycleReport, 4)
	s := NewScheduler(c, nil, func(r CycleReport) { reports <- r })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Hour, 0.1) }()

	select {
	case r := <-reports:
		assert.Equal(t, []string{"roles"}, r.Refreshed)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run an initial cycle")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRedisStoreIntegration(t *testing.T) {
	dsn := os.Getenv("GOVSYNC_TEST_REDIS_URL")
	if dsn == "" {
		t.Skip("GOVSYNC_TEST_REDIS_URL not set")
	}
	store, err := OpenStore(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store, fmt.Sprintf("it-%d", time.Now().UnixNano()))
}

func TestNATSStoreIntegration(t *testing.T) {
	natsURL := os.Getenv("GOVSYNC_TEST_NATS_URL")
	if natsURL == "" {
		t.Skip("GOVSYNC_TEST_NATS_URL not set")
	}
	store, err := OpenStore(context.Background(), natsURL+"/govsync-it-aggregates")
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store, fmt.Sprintf("it/%d", time.Now().UnixNano()))
}

func TestMemoryStore(t *testing.T) {
	store, err := OpenStore(context.Background(), "memory://")
	require.NoError(t, err)
	exerciseStore(t, store, "roles")

	_, err = OpenStore(context.Background(), "memcached://x")
	require.Error(t, err)
}

func exerciseStore(t *testing.T, store Store, key string) {
	t.Helper()
	ctx := context.Background()
	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{Key: key, Value: json.RawMessage(`{"a":1}`), RefreshedAt: t0, ExpiresAt: t0.Add(time.Minute)}
	require.NoError(t, store.Put(ctx, entry))
	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got.Value))
	assert.True(t, got.RefreshedAt.Equal(t0))

	require.NoError(t, store.Delete(ctx, key))
	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.Delete(ctx, key))
}
