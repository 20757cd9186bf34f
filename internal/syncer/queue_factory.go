package syncer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]JobQueueFactory
}{factories: map[string]JobQueueFactory{}}

// RegisterJobQueueFactory lets scheme take precedence over the built-in
// queue backends.
func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[normalizeScheme(scheme)]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildJobQueueFromDSN resolves memory://, file:///path (or a bare path),
// postgres:// and nats://host:port/stream.
func BuildJobQueueFromDSN(ctx context.Context, dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryJobQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupJobQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, capacity)
	case "nats", "tls":
		return NewNATSJobQueue(ctx, dsn, capacity)
	case "redis", "rediss", "sqs", "kafka":
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
