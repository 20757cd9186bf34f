// Package mirror keeps a durable copy of every synced source file under a
// stable key so readers never depend on the upstream repository.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const keyPrefix = "content/"

// Metadata keys written alongside every mirrored object.
const (
	MetaCommit   = "commit"
	MetaSyncedAt = "synced_at"
	MetaPath     = "path"
	MetaSHA256   = "sha256"
)

type Metadata map[string]string

type Object struct {
	Key      string   `json:"key"`
	Content  []byte   `json:"-"`
	Metadata Metadata `json:"metadata"`
}

// Mirror stores file content by key. Put overwrites, Delete of an absent
// key is a no-op and Get reports ErrNotFound for unknown keys.
type Mirror interface {
	Put(ctx context.Context, key string, content []byte, meta Metadata) error
	Get(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ContentKey is the mirror key for a repository path.
func ContentKey(p string) string {
	return keyPrefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

// NewMetadata builds the standard metadata set for one synced file.
func NewMetadata(commit, p string, content []byte, syncedAt time.Time) Metadata {
	sum := sha256.Sum256(content)
	return Metadata{
		MetaCommit:   commit,
		MetaSyncedAt: syncedAt.UTC().Format(time.RFC3339Nano),
		MetaPath:     p,
		MetaSHA256:   hex.EncodeToString(sum[:]),
	}
}

func validateKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidInput
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidInput
		}
	}
	return key, nil
}

func copyMetadata(in Metadata) Metadata {
	out := make(Metadata, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
