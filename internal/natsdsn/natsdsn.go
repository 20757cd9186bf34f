// Package natsdsn turns nats://host:port/name DSNs into JetStream handles.
// The path component names the bucket or stream the caller binds to.
package natsdsn

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var ErrInvalidDSN = errors.New("invalid nats dsn")

// Target is a parsed NATS DSN.
type Target struct {
	URL  string
	Name string
}

// Parse splits dsn into a server URL and the resource name taken from the
// first path segment. fallback is used when the path is empty.
func Parse(dsn, fallback string) (Target, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "nats" && scheme != "tls" {
		return Target{}, fmt.Errorf("%w: scheme %q", ErrInvalidDSN, parsed.Scheme)
	}
	if parsed.Host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrInvalidDSN)
	}
	name := strings.Trim(parsed.Path, "/")
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		name = fallback
	}
	if name == "" {
		return Target{}, fmt.Errorf("%w: missing resource name", ErrInvalidDSN)
	}
	server := url.URL{Scheme: scheme, Host: parsed.Host, User: parsed.User}
	return Target{URL: server.String(), Name: name}, nil
}

// Conn owns a NATS connection and its JetStream context.
type Conn struct {
	NC *nats.Conn
	JS jetstream.JetStream
}

// Dial connects to the server named by t.
func Dial(t Target, clientName string) (*Conn, error) {
	nc, err := nats.Connect(t.URL, nats.Name(clientName), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &Conn{NC: nc, JS: js}, nil
}

func (c *Conn) Close() error {
	if c == nil || c.NC == nil {
		return nil
	}
	c.NC.Close()
	return nil
}
