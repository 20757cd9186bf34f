package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentworkforce/govsync/internal/natsdsn"
)

const defaultObjectBucket = "govsync-content"

type natsMirror struct {
	conn  *natsdsn.Conn
	store jetstream.ObjectStore
}

// NewNATS binds to (creating if needed) a JetStream object store bucket.
func NewNATS(ctx context.Context, dsn string) (Mirror, error) {
	target, err := natsdsn.Parse(dsn, defaultObjectBucket)
	if err != nil {
		return nil, err
	}
	conn, err := natsdsn.Dial(target, "govsync-mirror")
	if err != nil {
		return nil, err
	}
	store, err := conn.JS.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      target.Name,
		Description: "govsync mirrored governance content",
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind object store %s: %w", target.Name, err)
	}
	return &natsMirror{conn: conn, store: store}, nil
}

func (m *natsMirror) Put(ctx context.Context, key string, content []byte, meta Metadata) error {
	key, err := validateKey(key)
	if err != nil {
		return err
	}
	_, err = m.store.Put(ctx, jetstream.ObjectMeta{Name: key, Metadata: copyMetadata(meta)}, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *natsMirror) Get(ctx context.Context, key string) (Object, error) {
	info, err := m.store.GetInfo(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", key, err)
	}
	content, err := m.store.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", key, err)
	}
	return Object{Key: key, Content: content, Metadata: copyMetadata(info.Metadata)}, nil
}

func (m *natsMirror) Delete(ctx context.Context, key string) error {
	err := m.store.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (m *natsMirror) Close() error {
	return m.conn.Close()
}
