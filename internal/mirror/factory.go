package mirror

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(ctx context.Context, dsn string) (Mirror, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// RegisterFactory makes scheme resolvable by Open ahead of the built-in
// backends.
func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// Open builds a mirror from a DSN: memory://, file:///path (or a bare path)
// and nats://host:port/bucket.
func Open(ctx context.Context, dsn string) (Mirror, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file":
		root := parsed.Path
		if root == "" {
			root = parsed.Opaque
		}
		if scheme == "" {
			root = dsn
		}
		return NewFile(root)
	case "nats", "tls":
		return NewNATS(ctx, dsn)
	case "s3", "gs":
		return nil, fmt.Errorf("%w: mirror backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mirror scheme: %s", scheme)
	}
}
