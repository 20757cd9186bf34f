package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/govsync/internal/clock"
)

// Runner executes one job; *Pipeline is the production runner.
type Runner interface {
	Run(ctx context.Context, job Job) Report
}

// Observer receives every finished report. Observers run on the worker
// goroutine and must not block.
type Observer func(Report)

type DispatcherOptions struct {
	Runner         Runner
	Queue          JobQueue
	Workers        int
	MaxAttempts    int
	RetryDelay     time.Duration
	DisableWorkers bool
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Dispatcher owns the background execution context for sync jobs. Submit
// returns as soon as the job is queued; workers run jobs, queue the failed
// subset with a NotBefore of RetryDelay up to MaxAttempts, then
// acknowledge. The retry is on the queue before the job it came from is
// acknowledged, so a durable queue holds one or the other across a restart.
type Dispatcher struct {
	runner      Runner
	queue       JobQueue
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer

	statsMu sync.Mutex
	stats   DispatcherStats

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type DispatcherStats struct {
	Submitted  uint64     `json:"submitted"`
	Completed  uint64     `json:"completed"`
	Retried    uint64     `json:"retried"`
	Abandoned  uint64     `json:"abandoned"`
	LastReport *Report    `json:"lastReport,omitempty"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
}

type DispatcherStatus struct {
	Queue         string          `json:"queue"`
	QueueDepth    int             `json:"queueDepth"`
	QueueCapacity int             `json:"queueCapacity"`
	Workers       int             `json:"workers"`
	MaxAttempts   int             `json:"maxAttempts"`
	Stats         DispatcherStats `json:"stats"`
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a runner", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryJobQueue(defaultQueueCapacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:      opts.Runner,
		queue:       queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger,
		closed:      make(chan struct{}),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	if !opts.DisableWorkers {
		d.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer d.wg.Done()
				d.worker()
			}()
		}
	}
	return d, nil
}

// Observe registers o for every subsequent report.
func (d *Dispatcher) Observe(o Observer) {
	if o == nil {
		return
	}
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, o)
}

// Submit queues job without waiting for it to run. Empty jobs are
// rejected; a saturated queue yields ErrQueueFull.
func (d *Dispatcher) Submit(job Job) (Job, error) {
	job, err := d.prepare(job)
	if err != nil {
		return Job{}, err
	}
	if !d.queue.TryEnqueue(job) {
		return Job{}, ErrQueueFull
	}
	d.recordSubmitted()
	d.logger.Debug("sync job queued", "job", job.ID, "changed", len(job.Changed), "deleted", len(job.Deleted), "reason", job.Reason)
	return job, nil
}

// SubmitWait is Submit that blocks for queue space until ctx is done.
func (d *Dispatcher) SubmitWait(ctx context.Context, job Job) (Job, error) {
	job, err := d.prepare(job)
	if err != nil {
		return Job{}, err
	}
	if !d.queue.Enqueue(ctx, job) {
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		return Job{}, ErrQueueFull
	}
	d.recordSubmitted()
	return job, nil
}

func (d *Dispatcher) prepare(job Job) (Job, error) {
	select {
	case <-d.closed:
		return Job{}, ErrClosed
	default:
	}
	job.Changed = normalizePaths(job.Changed)
	job.Deleted = normalizePaths(job.Deleted)
	if job.Empty() {
		return Job{}, fmt.Errorf("%w: job without paths", ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = newJobID()
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = d.clock.Now().UTC()
	}
	return job, nil
}

func (d *Dispatcher) worker() {
	for {
		job, ok := d.queue.Dequeue(d.queueCtx)
		if !ok {
			return
		}
		if !d.waitUntil(job.NotBefore) {
			// Unacknowledged; durable queues redeliver it.
			return
		}
		d.process(job)
	}
}

// waitUntil blocks until t or until the dispatcher closes. It reports
// false when the dispatcher closed first.
func (d *Dispatcher) waitUntil(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	wait := t.Sub(d.clock.Now())
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.queueCtx.Done():
		return false
	}
}

func (d *Dispatcher) process(job Job) {
	report := d.runner.Run(d.queueCtx, job)
	ack := true
	if retry, ok := report.RetryJob(job); ok {
		if retry.Attempt <= d.maxAttempts {
			now := d.clock.Now().UTC()
			retry.EnqueuedAt = now
			retry.NotBefore = now.Add(d.retryDelay)
			if d.queue.TryEnqueue(retry) {
				d.bump(func(s *DispatcherStats) { s.Retried++ })
			} else {
				ack = false
				d.logger.Warn("sync retry not queued, leaving job unacknowledged",
					"job", job.ID, "attempt", retry.Attempt)
			}
		} else {
			d.logger.Error("sync job abandoned after max attempts",
				"job", job.ID, "attempts", job.Attempt, "failed", len(report.Failed))
			d.bump(func(s *DispatcherStats) { s.Abandoned++ })
		}
	}
	if ack {
		if err := d.queue.Ack(job.ID); err != nil {
			d.logger.Warn("sync job ack failed", "job", job.ID, "error", err)
		}
	}
	now := d.clock.Now()
	d.bump(func(s *DispatcherStats) {
		s.Completed++
		s.LastReport = &report
		s.LastRunAt = &now
	})
	d.notify(report)
}

func (d *Dispatcher) notify(report Report) {
	d.obsMu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.obsMu.RUnlock()
	for _, o := range observers {
		o(report)
	}
}

func (d *Dispatcher) recordSubmitted() {
	d.bump(func(s *DispatcherStats) { s.Submitted++ })
}

func (d *Dispatcher) bump(fn func(*DispatcherStats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}

func (d *Dispatcher) Status() DispatcherStatus {
	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()
	return DispatcherStatus{
		Queue:         fmt.Sprintf("%T", d.queue),
		QueueDepth:    d.queue.Depth(),
		QueueCapacity: d.queue.Capacity(),
		Workers:       d.workers,
		MaxAttempts:   d.maxAttempts,
		Stats:         stats,
	}
}

// Close stops the workers, waits for in-flight jobs and closes the queue.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.queueCancel()
		d.wg.Wait()
		_ = d.queue.Close()
	})
}

// Reconcile plans a full resync of ref with p and submits it to d. It is
// the explicit resync that resolves relationships dropped earlier because
// their target had not been synced yet.
func Reconcile(ctx context.Context, p *Pipeline, d *Dispatcher, ref string) (Job, error) {
	job, err := p.PlanReconcile(ctx, ref)
	if err != nil {
		return Job{}, err
	}
	if job.Empty() {
		return job, nil
	}
	return d.SubmitWait(ctx, job)
}
