package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/govsync/internal/clock"
	"github.com/agentworkforce/govsync/internal/syncer"
)

var testSecret = []byte("webhook-secret")

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []syncer.Job
	err  error
}

func (s *recordingSubmitter) Submit(job syncer.Job) (syncer.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return syncer.Job{}, s.err
	}
	job.ID = "job_test"
	s.jobs = append(s.jobs, job)
	return job, nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func pushBody(t *testing.T, ref string, commits ...PushCommit) []byte {
	t.Helper()
	body, err := json.Marshal(PushEvent{
		Ref:        ref,
		Before:     "aaa",
		After:      "bbb",
		Repository: PushRepo{FullName: "dao/governance", DefaultBranch: "main"},
		Commits:    commits,
	})
	require.NoError(t, err)
	return body
}

func signed(body []byte, id string) Delivery {
	return Delivery{Body: body, Signature: Sign(testSecret, body), DeliveryID: id, Event: "push"}
}

func newTestIntake(t *testing.T, sub Submitter, replay ReplayGuard) *Intake {
	t.Helper()
	intake, err := NewIntake(IntakeOptions{Secret: testSecret, Submitter: sub, Replay: replay})
	require.NoError(t, err)
	return intake
}

func TestHandlePushAcceptsMarkdownOnMain(t *testing.T) {
	sub := &recordingSubmitter{}
	intake := newTestIntake(t, sub, nil)
	body := pushBody(t, "refs/heads/main", PushCommit{
		ID:       "c1",
		Added:    []string{"agreements/operating-agreement.md", "assets/logo.png"},
		Modified: []string{"policies/treasury.md"},
		Removed:  []string{"policies/old.md"},
	})

	res, err := intake.HandlePush(context.Background(), signed(body, "d-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, "job_test", res.JobID)
	assert.Equal(t, "bbb", res.Commit)
	assert.Equal(t, []string{"agreements/operating-agreement.md", "policies/treasury.md"}, res.Changed)
	assert.Equal(t, []string{"policies/old.md"}, res.Deleted)

	require.Len(t, sub.jobs, 1)
	assert.Equal(t, "d-1", sub.jobs[0].DeliveryID)
	assert.Equal(t, "push", sub.jobs[0].Reason)
}

func TestHandlePushRejectsBadSignatureWithoutSubmitting(t *testing.T) {
	sub := &recordingSubmitter{}
	replay := NewMemoryReplayGuard(time.Hour, nil)
	intake := newTestIntake(t, sub, replay)
	body := pushBody(t, "refs/heads/main", PushCommit{Added: []string{"a.md"}})

	cases := map[string]string{
		"wrong secret": Sign([]byte("other"), body),
		"missing":      "",
		"not hex":      "sha256=zz",
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := intake.HandlePush(context.Background(), Delivery{Body: body, Signature: sig, DeliveryID: "d-sig", Event: "push"})
			require.ErrorIs(t, err, ErrBadSignature)
			assert.Equal(t, OutcomeRejected, res.Outcome)
		})
	}
	assert.Zero(t, sub.count())

	// A rejected delivery must not consume its id.
	res, err := intake.HandlePush(context.Background(), signed(body, "d-sig"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestHandlePushDuplicateWithinWindow(t *testing.T) {
	fake := clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	sub := &recordingSubmitter{}
	intake := newTestIntake(t, sub, NewMemoryReplayGuard(DefaultReplayWindow, fake))
	d := signed(pushBody(t, "refs/heads/main", PushCommit{Added: []string{"a.md"}}), "d-2")

	first, err := intake.HandlePush(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)

	fake.Advance(23 * time.Hour)
	second, err := intake.HandlePush(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, sub.count())

	fake.Advance(2 * time.Hour)
	third, err := intake.HandlePush(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, third.Outcome)
	assert.Equal(t, 2, sub.count())
}

func TestHandlePushIgnoresOtherBranchesAndEvents(t *testing.T) {
	sub := &recordingSubmitter{}
	intake := newTestIntake(t, sub, nil)

	res, err := intake.HandlePush(context.Background(), signed(pushBody(t, "refs/heads/feature", PushCommit{Added: []string{"a.md"}}), "d-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = intake.HandlePush(context.Background(), signed(pushBody(t, "refs/tags/v1", PushCommit{Added: []string{"a.md"}}), "d-4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	ping := []byte(`{"zen":"Keep it logically awesome."}`)
	d := signed(ping, "d-5")
	d.Event = "ping"
	res, err = intake.HandlePush(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = intake.HandlePush(context.Background(), signed(pushBody(t, "refs/heads/main", PushCommit{Added: []string{"logo.svg"}}), "d-6"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, "no markdown changes", res.Reason)

	assert.Zero(t, sub.count())
}

func TestHandlePushConfiguredBranch(t *testing.T) {
	sub := &recordingSubmitter{}
	intake, err := NewIntake(IntakeOptions{Secret: testSecret, Submitter: sub, Branch: "refs/heads/production"})
	require.NoError(t, err)

	res, err := intake.HandlePush(context.Background(), signed(pushBody(t, "refs/heads/main", PushCommit{Added: []string{"a.md"}}), "d-7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = intake.HandlePush(context.Background(), signed(pushBody(t, "refs/heads/production", PushCommit{Added: []string{"a.md"}}), "d-8"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestHandlePushMalformedPayload(t *testing.T) {
	sub := &recordingSubmitter{}
	intake := newTestIntake(t, sub, nil)

	for name, body := range map[string][]byte{
		"not json":      []byte(`{"ref":`),
		"missing ref":   []byte(`{"commits":[]}`),
		"wrong type":    []byte(`{"ref":"refs/heads/main","commits":[{"added":"a.md"}]}`),
		"commits shape": []byte(`{"ref":"refs/heads/main","commits":{}}`),
	} {
		t.Run(name, func(t *testing.T) {
			res, err := intake.HandlePush(context.Background(), signed(body, "d-"+name))
			require.ErrorIs(t, err, ErrMalformedPayload)
			assert.Equal(t, OutcomeRejected, res.Outcome)
		})
	}

	d := signed(pushBody(t, "refs/heads/main", PushCommit{Added: []string{"a.md"}}), "")
	_, err := intake.HandlePush(context.Background(), d)
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Zero(t, sub.count())
}

func TestHandlePushQueueFullReleasesDeliveryID(t *testing.T) {
	sub := &recordingSubmitter{err: syncer.ErrQueueFull}
	intake := newTestIntake(t, sub, nil)
	d := signed(pushBody(t, "refs/heads/main", PushCommit{Added: []string{"a.md"}}), "d-9")

	_, err := intake.HandlePush(context.Background(), d)
	require.ErrorIs(t, err, syncer.ErrQueueFull)

	sub.err = nil
	res, err := intake.HandlePush(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestHandlePushWithDispatcher(t *testing.T) {
	queue := syncer.NewInMemoryJobQueue(4)
	d, err := syncer.NewDispatcher(syncer.DispatcherOptions{Runner: nopRunner{}, Queue: queue, DisableWorkers: true})
	require.NoError(t, err)
	defer d.Close()
	intake := newTestIntake(t, d, nil)

	res, err := intake.HandlePush(context.Background(), signed(pushBody(t, "refs/heads/main", PushCommit{Added: []string{"a.md"}}), "d-10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, 1, queue.Depth())
}

type nopRunner struct{}

func (nopRunner) Run(_ context.Context, job syncer.Job) syncer.Report {
	return syncer.Report{JobID: job.ID}
}

func TestMarkdownChangesFoldsCommitsInOrder(t *testing.T) {
	event := PushEvent{Commits: []PushCommit{
		{Added: []string{"a.md", "b.md"}, Removed: []string{"c.md"}},
		{Removed: []string{"a.md"}, Modified: []string{"c.md", "/b.md"}},
		{Added: []string{"README.markdown", "image.png"}, Removed: []string{"d.md"}},
		{Added: []string{"d.md"}},
	}}
	changed, deleted := event.MarkdownChanges()
	assert.Equal(t, []string{"b.md", "c.md", "README.markdown", "d.md"}, changed)
	assert.Equal(t, []string{"a.md"}, deleted)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := Sign(testSecret, body)
	require.NoError(t, VerifySignature(testSecret, body, sig))
	require.NoError(t, VerifySignature(testSecret, body, sig[len("sha256="):]))
	require.ErrorIs(t, VerifySignature(testSecret, append(body, ' '), sig), ErrBadSignature)
	require.ErrorIs(t, VerifySignature(nil, body, sig), ErrBadSignature)
}
