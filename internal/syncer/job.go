// Package syncer applies repository change sets to the content mirror and
// the relational graph, and runs them in the background over a durable job
// queue.
package syncer

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/govsync/internal/graph"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("sync queue is full")
	ErrClosed         = errors.New("dispatcher closed")
	ErrNotImplemented = errors.New("not implemented")
)

// Job is one unit of background sync work: the paths a push touched at a
// commit. Attempt starts at 1; retries carry only the paths that failed and
// are not run before NotBefore.
type Job struct {
	ID         string    `json:"id"`
	Changed    []string  `json:"changed,omitempty"`
	Deleted    []string  `json:"deleted,omitempty"`
	Commit     string    `json:"commit"`
	DeliveryID string    `json:"deliveryId,omitempty"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
}

func (j Job) Empty() bool {
	return len(j.Changed) == 0 && len(j.Deleted) == 0
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return "job_" + id.String()
}

// FileResult records the outcome for one changed path that was mirrored.
type FileResult struct {
	Path    string             `json:"path"`
	Key     string             `json:"key"`
	Graphed bool               `json:"graphed"`
	Apply   *graph.ApplyResult `json:"apply,omitempty"`
}

type Failure struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted,omitempty"`
	Error   string `json:"error"`
}

// Report summarises one pipeline run. FetchFailed paths were skipped
// because the source could not serve them; Failed paths hit a store error
// and are eligible for retry.
type Report struct {
	JobID       string       `json:"jobId"`
	Commit      string       `json:"commit"`
	Attempt     int          `json:"attempt"`
	Reason      string       `json:"reason,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
	Synced      []FileResult `json:"synced"`
	NotIndexed  []string     `json:"notIndexed,omitempty"`
	Retired     []string     `json:"retired,omitempty"`
	FetchFailed []string     `json:"fetchFailed,omitempty"`
	Failed      []Failure    `json:"failed,omitempty"`
}

// EdgesDropped totals relationship targets that were not yet synced.
func (r Report) EdgesDropped() int {
	n := 0
	for _, f := range r.Synced {
		if f.Apply != nil {
			n += len(f.Apply.EdgesDropped)
		}
	}
	return n
}

// RetryJob returns a follow-up job carrying only the failed paths.
func (r Report) RetryJob(prev Job) (Job, bool) {
	if len(r.Failed) == 0 {
		return Job{}, false
	}
	next := Job{
		ID:         newJobID(),
		Commit:     prev.Commit,
		DeliveryID: prev.DeliveryID,
		Attempt:    prev.Attempt + 1,
		Reason:     strings.TrimSpace("retry " + prev.ID),
	}
	for _, f := range r.Failed {
		if f.Deleted {
			next.Deleted = append(next.Deleted, f.Path)
		} else {
			next.Changed = append(next.Changed, f.Path)
		}
	}
	return next, true
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := map[string]struct{}{}
	for _, p := range paths {
		p = strings.TrimPrefix(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
