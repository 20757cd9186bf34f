// Package aggregates supplies the fetchers behind the aggregate cache:
// upstream JSON endpoints, the working-group corpus and the overview
// composite built from both.
package aggregates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/retryhttp"
)

// Endpoint configures one upstream JSON document cached under Key.
type Endpoint struct {
	Key     string            `mapstructure:"key"`
	URL     string            `mapstructure:"url"`
	TTL     time.Duration     `mapstructure:"ttl"`
	Headers map[string]string `mapstructure:"headers"`
}

// HTTPSource fetches an upstream JSON document. Transport errors, 429 and
// 5xx are retried by the underlying client.
type HTTPSource struct {
	client   *retryhttp.Client
	endpoint Endpoint
}

func NewHTTPSource(client *retryhttp.Client, endpoint Endpoint) (*HTTPSource, error) {
	if strings.TrimSpace(endpoint.Key) == "" || strings.TrimSpace(endpoint.URL) == "" {
		return nil, fmt.Errorf("aggregate endpoint needs key and url")
	}
	if endpoint.TTL <= 0 {
		return nil, fmt.Errorf("aggregate %s: ttl must be positive", endpoint.Key)
	}
	if client == nil {
		client = retryhttp.New(retryhttp.Options{})
	}
	return &HTTPSource{client: client, endpoint: endpoint}, nil
}

func (s *HTTPSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	resp, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range s.endpoint.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.endpoint.Key, err)
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("fetch %s: response is not JSON", s.endpoint.Key)
	}
	return json.RawMessage(resp.Body), nil
}

func (s *HTTPSource) Source() cache.Source {
	return cache.Source{Key: s.endpoint.Key, TTL: s.endpoint.TTL, Fetch: s.Fetch}
}
