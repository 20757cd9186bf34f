package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "govsync:aggregate:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore keeps one JSON envelope per key. Keys carry no Redis TTL;
// freshness is decided from ExpiresAt so stale values stay readable.
func NewRedisStore(dsn string) (Store, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, true, nil
}

func (s *redisStore) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return ErrInvalidInput
	}
	entry.Stale = false
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+entry.Key, raw, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *redisStore) Close() error { return s.client.Close() }
