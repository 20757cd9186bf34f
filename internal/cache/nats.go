package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentworkforce/govsync/internal/natsdsn"
)

const defaultKVBucket = "govsync-aggregates"

type natsStore struct {
	conn *natsdsn.Conn
	kv   jetstream.KeyValue
}

// NewNATSStore binds a JetStream KV bucket. Keys are base64url encoded since
// aggregate keys may contain characters KV rejects.
func NewNATSStore(ctx context.Context, dsn string) (Store, error) {
	target, err := natsdsn.Parse(dsn, defaultKVBucket)
	if err != nil {
		return nil, err
	}
	conn, err := natsdsn.Dial(target, "govsync-cache")
	if err != nil {
		return nil, err
	}
	kv, err := conn.JS.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      target.Name,
		Description: "govsync aggregate cache",
		History:     1,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind kv bucket %s: %w", target.Name, err)
	}
	return &natsStore{conn: conn, kv: kv}, nil
}

func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *natsStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	kve, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, true, nil
}

func (s *natsStore) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return ErrInvalidInput
	}
	entry.Stale = false
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, kvKey(entry.Key), raw); err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

func (s *natsStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *natsStore) Close() error { return s.conn.Close() }
