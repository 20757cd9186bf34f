package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/govsync/internal/clock"
	"github.com/agentworkforce/govsync/internal/natsdsn"
)

const (
	DefaultReplayWindow = 24 * time.Hour
	defaultReplayBucket = "govsync-deliveries"
	redisReplayPrefix   = "govsync:delivery:"
)

// ReplayGuard records delivery ids for a bounded window. Claim reports
// whether id was already recorded; the first caller to claim an id wins.
type ReplayGuard interface {
	Claim(ctx context.Context, id string) (duplicate bool, err error)
	// Release forgets id so the provider's redelivery is processed.
	Release(ctx context.Context, id string) error
	Close() error
}

type memoryReplayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	clock  clock.Clock
}

// NewMemoryReplayGuard keeps delivery ids in an expiry map that is pruned on
// every claim.
func NewMemoryReplayGuard(window time.Duration, c clock.Clock) ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &memoryReplayGuard{seen: map[string]time.Time{}, window: window, clock: clock.OrReal(c)}
}

func (g *memoryReplayGuard) Claim(_ context.Context, id string) (bool, error) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, expiresAt := range g.seen {
		if !now.Before(expiresAt) {
			delete(g.seen, key)
		}
	}
	if expiresAt, ok := g.seen[id]; ok && now.Before(expiresAt) {
		return true, nil
	}
	g.seen[id] = now.Add(g.window)
	return false, nil
}

func (g *memoryReplayGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
	return nil
}

func (g *memoryReplayGuard) Close() error { return nil }

type redisReplayGuard struct {
	client *redis.Client
	window time.Duration
}

// NewRedisReplayGuard records ids with SETNX and a key TTL.
func NewRedisReplayGuard(dsn string, window time.Duration) (ReplayGuard, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &redisReplayGuard{client: redis.NewClient(opts), window: window}, nil
}

func (g *redisReplayGuard) Claim(ctx context.Context, id string) (bool, error) {
	created, err := g.client.SetNX(ctx, redisReplayPrefix+id, time.Now().UTC().Format(time.RFC3339), g.window).Result()
	if err != nil {
		return false, fmt.Errorf("record delivery %s: %w", id, err)
	}
	return !created, nil
}

func (g *redisReplayGuard) Release(ctx context.Context, id string) error {
	return g.client.Del(ctx, redisReplayPrefix+id).Err()
}

func (g *redisReplayGuard) Close() error { return g.client.Close() }

type natsReplayGuard struct {
	conn *natsdsn.Conn
	kv   jetstream.KeyValue
}

// NewNATSReplayGuard stores ids in a JetStream KV bucket whose TTL is the
// replay window. kv.Create fails on a live key, which marks a duplicate.
func NewNATSReplayGuard(ctx context.Context, dsn string, window time.Duration) (ReplayGuard, error) {
	target, err := natsdsn.Parse(dsn, defaultReplayBucket)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	conn, err := natsdsn.Dial(target, "govsync-replay")
	if err != nil {
		return nil, err
	}
	kv, err := conn.JS.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      target.Name,
		Description: "govsync webhook delivery ids",
		TTL:         window,
		History:     1,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind kv bucket %s: %w", target.Name, err)
	}
	return &natsReplayGuard{conn: conn, kv: kv}, nil
}

func replayKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (g *natsReplayGuard) Claim(ctx context.Context, id string) (bool, error) {
	_, err := g.kv.Create(ctx, replayKey(id), []byte(time.Now().UTC().Format(time.RFC3339)))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record delivery %s: %w", id, err)
	}
	return false, nil
}

func (g *natsReplayGuard) Release(ctx context.Context, id string) error {
	err := g.kv.Purge(ctx, replayKey(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (g *natsReplayGuard) Close() error { return g.conn.Close() }

// OpenReplayGuard builds a guard from memory://, redis:// or
// nats://host:port/bucket.
func OpenReplayGuard(ctx context.Context, dsn string, window time.Duration, c clock.Clock) (ReplayGuard, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryReplayGuard(window, c), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryReplayGuard(window, c), nil
	case "redis", "rediss":
		return NewRedisReplayGuard(dsn, window)
	case "nats", "tls":
		return NewNATSReplayGuard(ctx, dsn, window)
	default:
		return nil, fmt.Errorf("unsupported replay scheme: %s", parsed.Scheme)
	}
}
