package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("cache key not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Entry is one cached aggregate. Entries outlive their TTL so a stale value
// can still be served when the upstream is down.
type Entry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	RefreshedAt time.Time       `json:"refreshedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Stale       bool            `json:"stale,omitempty"`
}

func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store persists entries by key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() Store {
	return &memoryStore{entries: map[string]Entry{}}
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	e.Value = append(json.RawMessage(nil), e.Value...)
	return e, true, nil
}

func (s *memoryStore) Put(_ context.Context, entry Entry) error {
	if entry.Key == "" {
		return ErrInvalidInput
	}
	entry.Value = append(json.RawMessage(nil), entry.Value...)
	entry.Stale = false
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) Close() error { return nil }
