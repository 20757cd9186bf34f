package syncer

import (
	"context"
	"strings"
)

// JobQueue carries sync jobs from intake to the dispatcher's workers.
// Delivery is at-least-once: a dequeued job stays owned by the queue until
// it is acknowledged, and durable backends redeliver unacknowledged jobs
// after a restart or lease expiry.
type JobQueue interface {
	TryEnqueue(job Job) bool
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Ack(jobID string) error
	Depth() int
	Capacity() int
	Close() error
}

const defaultQueueCapacity = 1024

type inMemoryJobQueue struct {
	ch chan Job
}

func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryJobQueue{ch: make(chan Job, capacity)}
}

func (q *inMemoryJobQueue) TryEnqueue(job Job) bool {
	if q == nil || strings.TrimSpace(job.ID) == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *inMemoryJobQueue) Enqueue(ctx context.Context, job Job) bool {
	if q == nil || strings.TrimSpace(job.ID) == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	if q == nil {
		return Job{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return Job{}, false
	}
}

func (q *inMemoryJobQueue) Ack(string) error {
	return nil
}

func (q *inMemoryJobQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryJobQueue) Close() error {
	return nil
}
