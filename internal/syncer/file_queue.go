package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// fileJobQueue persists pending and in-flight jobs as one JSON snapshot.
// In-flight jobs found on load are put back at the head of the queue.
type fileJobQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Job
	inflight     []Job
}

type fileJobQueueState struct {
	Items    []Job `json:"items"`
	Inflight []Job `json:"inflight,omitempty"`
}

func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileJobQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Job{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileJobQueue) TryEnqueue(job Job) bool {
	if strings.TrimSpace(job.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileJobQueue) Enqueue(ctx context.Context, job Job) bool {
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

func (q *fileJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.inflight = append(q.inflight, item)
			if err := q.saveLocked(); err != nil {
				q.inflight = q.inflight[:len(q.inflight)-1]
				q.items = append([]Job{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Job{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Ack(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.inflight {
		if job.ID != jobID {
			continue
		}
		q.inflight = append(q.inflight[:i:i], q.inflight[i+1:]...)
		return q.saveLocked()
	}
	return nil
}

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) Close() error {
	return nil
}

func (q *fileJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileJobQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := append(append([]Job(nil), snapshot.Inflight...), snapshot.Items...)
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
	}
	q.items = items
	if len(snapshot.Inflight) > 0 || len(items) != len(snapshot.Items) {
		return q.saveLocked()
	}
	return nil
}

func (q *fileJobQueue) saveLocked() error {
	snapshot := fileJobQueueState{
		Items:    append([]Job(nil), q.items...),
		Inflight: append([]Job(nil), q.inflight...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(q.path, bytes.NewReader(data))
}
