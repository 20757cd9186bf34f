package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryJobQueue(t *testing.T) {
	q := NewInMemoryJobQueue(1)
	assert.False(t, q.TryEnqueue(Job{}), "jobs without id are rejected")
	require.True(t, q.TryEnqueue(Job{ID: "a"}))
	assert.False(t, q.TryEnqueue(Job{ID: "b"}))
	assert.Equal(t, 1, q.Depth())

	job, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", job.ID)
	require.NoError(t, q.Ack(job.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok = q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestFileJobQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "jobs.json")
	q, err := NewFileJobQueue(path, 4)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(Job{ID: "a", Changed: []string{"a.md"}, Commit: "c1"}))
	require.True(t, q.TryEnqueue(Job{ID: "b", Changed: []string{"b.md"}, Commit: "c1"}))

	reopened, err := NewFileJobQueue(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())
	job, ok := reopened.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, []string{"a.md"}, job.Changed)
}

func TestFileJobQueueRedeliversUnacknowledgedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	q, err := NewFileJobQueue(path, 4)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(Job{ID: "a"}))
	require.True(t, q.TryEnqueue(Job{ID: "b"}))

	job, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, 1, q.Depth())

	// Simulated crash before Ack: "a" must come back first.
	restarted, err := NewFileJobQueue(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.Depth())
	job, ok = restarted.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", job.ID)
	require.NoError(t, restarted.Ack("a"))

	again, err := NewFileJobQueue(path, 4)
	require.NoError(t, err)
	job, ok = again.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "b", job.ID)
}

func TestFileJobQueueCapacity(t *testing.T) {
	q, err := NewFileJobQueue(filepath.Join(t.TempDir(), "jobs.json"), 1)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(Job{ID: "a"}))
	assert.False(t, q.TryEnqueue(Job{ID: "b"}))
	assert.Equal(t, 1, q.Capacity())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.False(t, q.Enqueue(ctx, Job{ID: "c"}))
}

func TestNewFileJobQueueRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileJobQueue(path, 4)
	assert.Error(t, err)
}

func TestBuildJobQueueFromDSN(t *testing.T) {
	ctx := context.Background()
	q, err := BuildJobQueueFromDSN(ctx, "", 8)
	require.NoError(t, err)
	assert.IsType(t, &inMemoryJobQueue{}, q)

	q, err = BuildJobQueueFromDSN(ctx, "memory://", 8)
	require.NoError(t, err)
	assert.Equal(t, 8, q.Capacity())

	dir := t.TempDir()
	q, err = BuildJobQueueFromDSN(ctx, "file://"+filepath.Join(dir, "q.json"), 8)
	require.NoError(t, err)
	assert.IsType(t, &fileJobQueue{}, q)

	q, err = BuildJobQueueFromDSN(ctx, "postgres://localhost/govsync?sslmode=disable", 8)
	require.NoError(t, err)
	assert.IsType(t, &PostgresJobQueue{}, q)

	_, err = BuildJobQueueFromDSN(ctx, "kafka://broker", 8)
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = BuildJobQueueFromDSN(ctx, "gopher://x", 8)
	assert.Error(t, err)
}

func TestRegisterJobQueueFactoryOverridesBuiltins(t *testing.T) {
	var gotDSN string
	RegisterJobQueueFactory("Test-Queue", func(dsn string, capacity int) (JobQueue, error) {
		gotDSN = dsn
		return NewInMemoryJobQueue(capacity), nil
	})
	q, err := BuildJobQueueFromDSN(context.Background(), "test-queue://x", 3)
	require.NoError(t, err)
	assert.Equal(t, "test-queue://x", gotDSN)
	assert.Equal(t, 3, q.Capacity())
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"govsync_sync_jobs"`, postgresQuoteIdentifier("govsync_sync_jobs"))
	assert.Equal(t, `"we""ird"`, postgresQuoteIdentifier(`we"ird`))
	assert.Equal(t, `""`, postgresQuoteIdentifier(" "))
	assert.Equal(t, postgresQueueLockKey("t", "k"), postgresQueueLockKey(" t ", "k"))
	assert.NotEqual(t, postgresQueueLockKey("t", "k"), postgresQueueLockKey("tk", ""))
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("GOVSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set GOVSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func TestPostgresJobQueueIntegration(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	raw, err := NewPostgresJobQueue(dsn, 2)
	require.NoError(t, err)
	q := raw.(*PostgresJobQueue)
	q.tableName = "govsync_sync_jobs_it_" + strings.ReplaceAll(time.Now().UTC().Format("150405.000000"), ".", "")
	defer func() {
		if q.db != nil {
			_, _ = q.db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(q.tableName))
		}
		_ = q.Close()
	}()

	require.True(t, q.TryEnqueue(Job{ID: "a", Changed: []string{"a.md"}}))
	require.True(t, q.TryEnqueue(Job{ID: "b", Changed: []string{"b.md"}}))
	assert.False(t, q.TryEnqueue(Job{ID: "c"}), "capacity reached")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, 1, q.Depth(), "leased job is not pending")

	q.lease = time.Millisecond
	require.NoError(t, q.Ack("a"))
	job, ok = q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", job.ID)

	time.Sleep(20 * time.Millisecond)
	job, ok = q.Dequeue(ctx)
	require.True(t, ok, "expired lease makes the job visible again")
	assert.Equal(t, "b", job.ID)
	require.NoError(t, q.Ack("b"))
}
