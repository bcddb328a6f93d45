// Package submission finalizes a candidate attempt.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tamabayevs/corematch/internal/invite"
	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/publicapi"
)

var ErrInFlight = errors.New("submission already in progress")

type Route string

const (
	RouteConfirmation     Route = "confirmation"
	RouteAlreadySubmitted Route = "already-submitted"
)

// Confirmation is latched after the first successful submit.
type Confirmation struct {
	ReferenceID    string    `json:"reference_id"`
	UploadedCount  int       `json:"uploaded_count"`
	TotalQuestions int       `json:"total_questions"`
	Partial        bool      `json:"partial"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type Outcome struct {
	Route            Route
	Confirmation     *Confirmation
	AlreadySubmitted *invite.AlreadySubmittedView
}

// Answers is the live answer set. It is read at submit time, never cached.
type Answers interface {
	AllRecorded() bool
}

type Client interface {
	Submit(ctx context.Context, token string, submitPartial bool) (publicapi.SubmitResponse, error)
}

type Options struct {
	SessionID string
	Journal   journal.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Coordinator allows one submit in flight and never retries by itself. After
// a terminal outcome every further Submit returns it without a network call.
type Coordinator struct {
	client  Client
	token   string
	answers Answers
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight bool
	latched  *Outcome
}

func NewCoordinator(client Client, token string, answers Answers, opts Options) *Coordinator {
	return &Coordinator{
		client:  client,
		token:   token,
		answers: answers,
		opts:    opts,
		logger:  logging.WithComponent(opts.Logger, "submission"),
	}
}

// AllRecorded reports whether every question has an uploaded answer.
func (c *Coordinator) AllRecorded() bool {
	return c.answers.AllRecorded()
}

// Latched returns the terminal outcome, if one was reached.
func (c *Coordinator) Latched() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latched == nil {
		return Outcome{}, false
	}
	return *c.latched, true
}

// Submit finalizes the attempt. A conflict is reported as the
// already-submitted outcome, not as an error. Other failures are returned and
// leave the coordinator ready for another explicit attempt.
func (c *Coordinator) Submit(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.latched != nil {
		out := *c.latched
		c.mu.Unlock()
		return out, nil
	}
	if c.inFlight {
		c.mu.Unlock()
		return Outcome{}, ErrInFlight
	}
	c.inFlight = true
	c.mu.Unlock()

	partial := !c.answers.AllRecorded()
	started := time.Now()
	res, err := c.client.Submit(ctx, c.token, partial)
	c.opts.Metrics.ObserveStage(observability.StageSubmit, time.Since(started))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	if err != nil {
		if se, ok := publicapi.AsStatusError(err); ok && publicapi.IsAlreadySubmitted(err) {
			out := Outcome{Route: RouteAlreadySubmitted, AlreadySubmitted: &invite.AlreadySubmittedView{
				ReferenceID: se.Details.ReferenceID,
				JobTitle:    se.Details.JobTitle,
				CompanyName: se.Details.CompanyName,
			}}
			c.latched = &out
			c.opts.Metrics.SubmitOutcome("already_submitted")
			c.record(ctx, journal.KindSubmitted, "already submitted "+se.Details.ReferenceID)
			c.logger.Info("attempt was already submitted", "reference_id", se.Details.ReferenceID)
			return out, nil
		}
		c.opts.Metrics.SubmitOutcome("failed")
		c.record(ctx, journal.KindSubmitFailed, err.Error())
		c.logger.Warn("submit failed", "partial", partial, "error", err)
		return Outcome{}, fmt.Errorf("submit attempt: %w", err)
	}

	out := Outcome{Route: RouteConfirmation, Confirmation: &Confirmation{
		ReferenceID:    res.ReferenceID,
		UploadedCount:  res.UploadedCount,
		TotalQuestions: res.TotalQuestions,
		Partial:        partial,
		SubmittedAt:    time.Now().UTC(),
	}}
	c.latched = &out
	c.opts.Metrics.SubmitOutcome("succeeded")
	c.record(ctx, journal.KindSubmitted, res.ReferenceID)
	c.logger.Info("attempt submitted", "reference_id", res.ReferenceID, "partial", partial, "uploaded", res.UploadedCount)
	return out, nil
}

func (c *Coordinator) record(ctx context.Context, kind journal.Kind, detail string) {
	if c.opts.Journal == nil {
		return
	}
	entry := journal.Entry{SessionID: c.opts.SessionID, Kind: kind, QuestionIndex: journal.NoQuestion, Detail: detail}
	if err := c.opts.Journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Warn("journal append failed", "kind", kind, "error", err)
	}
}
