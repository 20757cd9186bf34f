package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// fileMirror lays objects out as <root>/objects/<key> with a JSON metadata
// sidecar at <root>/meta/<key>.json.
type fileMirror struct {
	root string
}

func NewFile(root string) (Mirror, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	return &fileMirror{root: root}, nil
}

func (m *fileMirror) paths(key string) (string, string, error) {
	key, err := validateKey(key)
	if err != nil {
		return "", "", err
	}
	rel := filepath.FromSlash(key)
	return filepath.Join(m.root, "objects", rel), filepath.Join(m.root, "meta", rel+".json"), nil
}

func (m *fileMirror) Put(_ context.Context, key string, content []byte, meta Metadata) error {
	objectPath, metaPath, err := m.paths(key)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	for _, dir := range []string{filepath.Dir(objectPath), filepath.Dir(metaPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	if err := atomic.WriteFile(objectPath, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := atomic.WriteFile(metaPath, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("put %s metadata: %w", key, err)
	}
	return nil
}

func (m *fileMirror) Get(_ context.Context, key string) (Object, error) {
	objectPath, metaPath, err := m.paths(key)
	if err != nil {
		return Object{}, err
	}
	content, err := os.ReadFile(objectPath)
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("get %s: %w", key, err)
	}
	meta := Metadata{}
	data, err := os.ReadFile(metaPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &meta); err != nil {
			return Object{}, fmt.Errorf("decode %s metadata: %w", key, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Object{}, fmt.Errorf("get %s metadata: %w", key, err)
	}
	return Object{Key: key, Content: content, Metadata: meta}, nil
}

func (m *fileMirror) Delete(_ context.Context, key string) error {
	objectPath, metaPath, err := m.paths(key)
	if err != nil {
		return err
	}
	for _, p := range []string{objectPath, metaPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (m *fileMirror) Close() error {
	return nil
}
