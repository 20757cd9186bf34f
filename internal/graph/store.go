package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/govsync/internal/clock"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const operationTimeout = 5 * time.Second

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the relational graph. All writes are idempotent on slug for
// documents and on (from, type, to) for relationships.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   clock.Clock
	logger  *slog.Logger
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the store named by dsn, creates the schema and seeds the
// baseline domains. Supported schemes: sqlite://path, memory://,
// postgres://... and postgresql://...
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty graph dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse graph dsn: %w", err)
	}
	var (
		db *sql.DB
		d  dialect
	)
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		db, err = openSQLite(":memory:")
		d = dialectSQLite
	case "sqlite", "sqlite3", "file", "":
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, scheme+"://"), scheme+":")
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite dsn needs a path", ErrInvalidInput)
		}
		db, err = openSQLite(path)
		d = dialectSQLite
	case "postgres", "postgresql":
		db, err = sql.Open("postgres", dsn)
		d = dialectPostgres
	case "mysql":
		return nil, fmt.Errorf("%w: graph backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported graph scheme: %s", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	s := &Store{
		db:      db,
		dialect: d,
		clock:   clock.OrReal(opts.Clock),
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates tables and indexes if missing and seeds baseline domains.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 4*operationTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping graph store: %w", err)
	}
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	seeds, err := BaselineDomains()
	if err != nil {
		return err
	}
	return s.EnsureDomains(ctx, seeds)
}

// Backend names the dialect for status reporting.
func (s *Store) Backend() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
