package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJobQueueTableName = "govsync_sync_jobs"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 50 * time.Millisecond
	postgresDefaultLease      = 10 * time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJobQueue stores jobs as rows. Dequeue leases the oldest
// unleased row with FOR UPDATE SKIP LOCKED; Ack deletes it. A lease that
// expires without an Ack makes the job visible again.
type PostgresJobQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	lease        time.Duration
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJobQueue(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresJobQueue{
		dsn:          dsn,
		tableName:    postgresJobQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		lease:        postgresDefaultLease,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresJobQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(q.tableName)
		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				job_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				leased_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
				postgresQuoteIdentifier(q.tableName+"_queue_key_id_idx"), table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, job_id)",
				postgresQuoteIdentifier(q.tableName+"_job_id_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresJobQueue) TryEnqueue(job Job) bool {
	if q == nil || strings.TrimSpace(job.ID) == "" {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table), q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insert := fmt.Sprintf("INSERT INTO %s (queue_key, job_id, payload, created_at) VALUES ($1, $2, $3, NOW())", table)
	if _, err := tx.ExecContext(ctx, insert, q.queueKey, job.ID, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		job, ok := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) tryDequeue(ctx context.Context) (Job, bool) {
	if err := q.ensureReady(); err != nil {
		return Job{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1 AND (leased_until IS NULL OR leased_until < NOW())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if err != nil {
		return Job{}, false
	}
	lease := fmt.Sprintf("UPDATE %s SET leased_until = NOW() + make_interval(secs => $2) WHERE id = $1", table)
	if _, err := tx.ExecContext(ctx, lease, id, q.lease.Seconds()); err != nil {
		return Job{}, false
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false
	}
	committed = true

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || strings.TrimSpace(job.ID) == "" {
		q.deleteRow(id)
		return Job{}, false
	}
	return job, true
}

func (q *PostgresJobQueue) deleteRow(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, _ = q.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName)), id)
}

func (q *PostgresJobQueue) Ack(jobID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err := q.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND job_id = $2", postgresQuoteIdentifier(q.tableName)),
		q.queueKey, jobID)
	return err
}

func (q *PostgresJobQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND leased_until IS NULL", postgresQuoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
