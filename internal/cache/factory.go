package cache

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// OpenStore builds a store from memory://, redis://host/db or
// nats://host:port/bucket. An empty DSN is memory.
func OpenStore(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		return NewRedisStore(dsn)
	case "nats", "tls":
		return NewNATSStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported cache scheme: %s", parsed.Scheme)
	}
}
