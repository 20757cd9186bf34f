// Package webhook turns signed repository push notifications into sync jobs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/govsync/internal/syncer"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Delivery is one inbound notification as received, before any checks.
type Delivery struct {
	Body       []byte
	Signature  string
	DeliveryID string
	Event      string
}

type Result struct {
	Outcome    Outcome  `json:"outcome"`
	Reason     string   `json:"reason,omitempty"`
	DeliveryID string   `json:"deliveryId,omitempty"`
	JobID      string   `json:"jobId,omitempty"`
	Commit     string   `json:"commit,omitempty"`
	Changed    []string `json:"changed,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
}

// Submitter hands accepted work to the background dispatcher.
type Submitter interface {
	Submit(job syncer.Job) (syncer.Job, error)
}

type IntakeOptions struct {
	Secret    []byte
	Branch    string
	Replay    ReplayGuard
	Submitter Submitter
	Logger    *slog.Logger
}

type Intake struct {
	secret    []byte
	branch    string
	replay    ReplayGuard
	submitter Submitter
	logger    *slog.Logger
}

func NewIntake(opts IntakeOptions) (*Intake, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("webhook secret is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("webhook submitter is required")
	}
	if opts.Replay == nil {
		opts.Replay = NewMemoryReplayGuard(DefaultReplayWindow, nil)
	}
	branch := strings.TrimPrefix(strings.TrimSpace(opts.Branch), "refs/heads/")
	if branch == "" {
		branch = "main"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		secret:    opts.Secret,
		branch:    branch,
		replay:    opts.Replay,
		submitter: opts.Submitter,
		logger:    logger,
	}, nil
}

// HandlePush runs the intake checks in order and, when the push touches
// markdown on the tracked branch, submits one sync job without waiting for
// it. Rejections return ErrBadSignature or ErrMalformedPayload alongside a
// rejected Result. Nothing durable is written before the signature and
// payload checks pass.
func (i *Intake) HandlePush(ctx context.Context, d Delivery) (Result, error) {
	res := Result{DeliveryID: d.DeliveryID}
	if err := VerifySignature(i.secret, d.Body, d.Signature); err != nil {
		i.logger.Warn("webhook rejected", "delivery", d.DeliveryID, "reason", "signature")
		res.Outcome, res.Reason = OutcomeRejected, "invalid signature"
		return res, err
	}

	event := strings.ToLower(strings.TrimSpace(d.Event))
	if event != "" && event != "push" {
		res.Outcome, res.Reason = OutcomeIgnored, "event "+event
		return res, nil
	}

	push, err := DecodePush(d.Body)
	if err != nil {
		res.Outcome, res.Reason = OutcomeRejected, "malformed payload"
		return res, err
	}
	deliveryID := strings.TrimSpace(d.DeliveryID)
	if deliveryID == "" {
		res.Outcome, res.Reason = OutcomeRejected, "missing delivery id"
		return res, fmt.Errorf("%w: missing delivery id", ErrMalformedPayload)
	}

	duplicate, err := i.replay.Claim(ctx, deliveryID)
	if err != nil {
		return Result{}, fmt.Errorf("replay guard: %w", err)
	}
	if duplicate {
		i.logger.Info("webhook duplicate", "delivery", deliveryID)
		res.Outcome, res.Reason = OutcomeDuplicate, "delivery already processed"
		return res, nil
	}

	res.Commit = push.After
	if branch := push.Branch(); branch != i.branch {
		res.Outcome, res.Reason = OutcomeIgnored, fmt.Sprintf("ref %s is not the tracked branch", push.Ref)
		return res, nil
	}
	changed, deleted := push.MarkdownChanges()
	if len(changed) == 0 && len(deleted) == 0 {
		res.Outcome, res.Reason = OutcomeIgnored, "no markdown changes"
		return res, nil
	}

	job, err := i.submitter.Submit(syncer.Job{
		Changed:    changed,
		Deleted:    deleted,
		Commit:     push.After,
		DeliveryID: deliveryID,
		Reason:     "push",
	})
	if err != nil {
		// Forget the id so the provider's retry is not treated as a duplicate.
		if releaseErr := i.replay.Release(ctx, deliveryID); releaseErr != nil {
			i.logger.Warn("release delivery id failed", "delivery", deliveryID, "error", releaseErr)
		}
		return Result{}, err
	}
	i.logger.Info("webhook accepted", "delivery", deliveryID, "job", job.ID, "changed", len(changed), "deleted", len(deleted), "commit", push.After)
	res.Outcome = OutcomeAccepted
	res.JobID = job.ID
	res.Changed = changed
	res.Deleted = deleted
	return res, nil
}
