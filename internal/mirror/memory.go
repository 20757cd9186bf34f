package mirror

import (
	"context"
	"sync"
)

type memoryMirror struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemory() Mirror {
	return &memoryMirror{objects: map[string]Object{}}
}

func (m *memoryMirror) Put(_ context.Context, key string, content []byte, meta Metadata) error {
	key, err := validateKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Key: key, Content: append([]byte(nil), content...), Metadata: copyMetadata(meta)}
	return nil
}

func (m *memoryMirror) Get(_ context.Context, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Content = append([]byte(nil), obj.Content...)
	obj.Metadata = copyMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryMirror) Close() error {
	return nil
}
