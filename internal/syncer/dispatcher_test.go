package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/govsync/internal/graph"
)

// scriptedRunner fails a path until it has been attempted failUntil times.
type scriptedRunner struct {
	mu        sync.Mutex
	failUntil map[string]int
	seen      map[string]int
	jobs      []Job
}

func newScriptedRunner(failUntil map[string]int) *scriptedRunner {
	return &scriptedRunner{failUntil: failUntil, seen: map[string]int{}}
}

func (r *scriptedRunner) Run(_ context.Context, job Job) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	report := Report{JobID: job.ID, Attempt: job.Attempt, Commit: job.Commit}
	for _, p := range job.Changed {
		r.seen[p]++
		if r.seen[p] <= r.failUntil[p] {
			report.Failed = append(report.Failed, Failure{Path: p, Error: "boom"})
			continue
		}
		report.Synced = append(report.Synced, FileResult{Path: p, Key: "content/" + p, Graphed: true})
	}
	return report
}

func (r *scriptedRunner) snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func collectReports(d *Dispatcher) (func() []Report, chan Report) {
	var mu sync.Mutex
	var reports []Report
	ch := make(chan Report, 16)
	d.Observe(func(r Report) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
		ch <- r
	})
	return func() []Report {
		mu.Lock()
		defer mu.Unlock()
		return append([]Report(nil), reports...)
	}, ch
}

func waitReport(t *testing.T, ch chan Report) Report {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync report")
		return Report{}
	}
}

func TestDispatcherRunsSubmittedJobInBackground(t *testing.T) {
	runner := newScriptedRunner(nil)
	d, err := NewDispatcher(DispatcherOptions{Runner: runner})
	require.NoError(t, err)
	defer d.Close()
	_, ch := collectReports(d)

	job, err := d.Submit(Job{Changed: []string{"/policies/a.md", "policies/a.md"}, Commit: "c1", DeliveryID: "d1"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, []string{"policies/a.md"}, job.Changed)

	report := waitReport(t, ch)
	assert.Equal(t, job.ID, report.JobID)
	assert.Empty(t, report.Failed)
	stats := d.Status().Stats
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestDispatcherRetriesOnlyFailedPaths(t *testing.T) {
	runner := newScriptedRunner(map[string]int{"policies/b.md": 1})
	d, err := NewDispatcher(DispatcherOptions{Runner: runner, RetryDelay: 5 * time.Millisecond, MaxAttempts: 3})
	require.NoError(t, err)
	defer d.Close()
	_, ch := collectReports(d)

	_, err = d.Submit(Job{Changed: []string{"policies/a.md", "policies/b.md"}, Commit: "c1"})
	require.NoError(t, err)

	first := waitReport(t, ch)
	require.Len(t, first.Failed, 1)
	second := waitReport(t, ch)
	assert.Empty(t, second.Failed)
	assert.Equal(t, 2, second.Attempt)

	jobs := runner.snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, []string{"policies/b.md"}, jobs[1].Changed)
	assert.Equal(t, uint64(1), d.Status().Stats.Retried)
}

func TestDispatcherAbandonsAfterMaxAttempts(t *testing.T) {
	runner := newScriptedRunner(map[string]int{"policies/b.md": 100})
	d, err := NewDispatcher(DispatcherOptions{Runner: runner, RetryDelay: time.Millisecond, MaxAttempts: 2})
	require.NoError(t, err)
	defer d.Close()
	_, ch := collectReports(d)

	_, err = d.Submit(Job{Changed: []string{"policies/b.md"}, Commit: "c1"})
	require.NoError(t, err)
	waitReport(t, ch)
	last := waitReport(t, ch)
	assert.Equal(t, 2, last.Attempt)

	select {
	case r := <-ch:
		t.Fatalf("unexpected third attempt: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), d.Status().Stats.Abandoned)
}

func TestDispatcherRetrySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := NewFileJobQueue(path, 8)
	require.NoError(t, err)
	runner := newScriptedRunner(map[string]int{"policies/b.md": 1})
	d, err := NewDispatcher(DispatcherOptions{Runner: runner, Queue: q, RetryDelay: time.Hour, MaxAttempts: 3})
	require.NoError(t, err)
	_, ch := collectReports(d)

	submitted, err := d.Submit(Job{Changed: []string{"policies/a.md", "policies/b.md"}, Commit: "c1"})
	require.NoError(t, err)
	first := waitReport(t, ch)
	require.Len(t, first.Failed, 1)
	d.Close()
	require.Len(t, runner.snapshot(), 1)

	reopened, err := NewFileJobQueue(path, 8)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Depth())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	retry, ok := reopened.Dequeue(ctx)
	require.True(t, ok)
	assert.NotEqual(t, submitted.ID, retry.ID)
	assert.Equal(t, []string{"policies/b.md"}, retry.Changed)
	assert.Equal(t, 2, retry.Attempt)
	assert.True(t, retry.NotBefore.After(retry.EnqueuedAt))
}

func TestDispatcherLeavesJobUnacknowledgedWhenRetryCannotQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := NewFileJobQueue(path, 1)
	require.NoError(t, err)
	runner := newScriptedRunner(map[string]int{"policies/b.md": 100})
	d, err := NewDispatcher(DispatcherOptions{Runner: runner, Queue: q, DisableWorkers: true})
	require.NoError(t, err)

	job, err := d.Submit(Job{Changed: []string{"policies/b.md"}, Commit: "c1"})
	require.NoError(t, err)
	dequeued, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	_, err = d.Submit(Job{Changed: []string{"policies/c.md"}, Commit: "c2"})
	require.NoError(t, err)

	d.process(dequeued)
	assert.Equal(t, uint64(0), d.Status().Stats.Retried)
	d.Close()

	reopened, err := NewFileJobQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())
	again, ok := reopened.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, job.ID, again.ID)
}

func TestDispatcherSubmitValidation(t *testing.T) {
	d, err := NewDispatcher(DispatcherOptions{Runner: newScriptedRunner(nil), Queue: NewInMemoryJobQueue(1), DisableWorkers: true})
	require.NoError(t, err)

	_, err = d.Submit(Job{Commit: "c1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = d.Submit(Job{Changed: []string{"a.md"}})
	require.NoError(t, err)
	_, err = d.Submit(Job{Changed: []string{"b.md"}})
	assert.ErrorIs(t, err, ErrQueueFull)

	status := d.Status()
	assert.Equal(t, 1, status.QueueDepth)
	assert.Equal(t, 1, status.QueueCapacity)

	d.Close()
	_, err = d.Submit(Job{Changed: []string{"c.md"}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewDispatcherRequiresRunner(t *testing.T) {
	_, err := NewDispatcher(DispatcherOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReconcileSubmitsPlannedJob(t *testing.T) {
	fx := newPipelineFixture(t, map[string]string{
		"policies/a.md": "---\ntype: policy\n---\n",
		"policies/b.md": "---\ntype: policy\n---\n",
	})
	d, err := NewDispatcher(DispatcherOptions{Runner: fx.pipeline})
	require.NoError(t, err)
	defer d.Close()
	_, ch := collectReports(d)

	job, err := Reconcile(context.Background(), fx.pipeline, d, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"policies/a.md", "policies/b.md"}, job.Changed)

	report := waitReport(t, ch)
	assert.Len(t, report.Synced, 2)
	docs, err := fx.graph.ListDocuments(context.Background(), graphFilterAll())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func graphFilterAll() graph.DocumentFilter {
	return graph.DocumentFilter{IncludeRetired: true}
}
