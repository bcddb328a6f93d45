// Package invite resolves an invite token into the context that drives the
// rest of the attempt, or into one of the terminal views.
package invite

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/policy"
	"github.com/tamabayevs/corematch/internal/publicapi"
)

var ErrNoQuestions = errors.New("invite has no questions")

type Route string

const (
	RouteWelcome          Route = "welcome"
	RouteExpired          Route = "expired"
	RouteAlreadySubmitted Route = "already-submitted"
	RouteError            Route = "error"
)

// ExpiredView is what the expired page shows.
type ExpiredView struct {
	JobTitle     string `json:"job_title,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
}

// AlreadySubmittedView is what the already-submitted page shows.
type AlreadySubmittedView struct {
	ReferenceID string `json:"reference_id,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

// Outcome is the result of resolving a token. Exactly one of Invite,
// Expired, AlreadySubmitted or Err is meaningful, according to Route.
type Outcome struct {
	Route            Route
	Invite           publicapi.InviteContext
	Expired          *ExpiredView
	AlreadySubmitted *AlreadySubmittedView
	Err              error
	ResolvedAt       time.Time
}

// Terminal reports whether the outcome ends the attempt.
func (o Outcome) Terminal() bool {
	return o.Route == RouteExpired || o.Route == RouteAlreadySubmitted
}

type Client interface {
	GetInvite(ctx context.Context, token string) (publicapi.InviteContext, error)
	RecordConsent(ctx context.Context, token string) error
}

type Options struct {
	// SessionID tags journal entries.
	SessionID string
	Journal   journal.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Gate resolves tokens at most once. Concurrent Resolve calls for the same
// token share one backend request and finished outcomes are cached, so
// repeated renders and reconnects never refetch. Failed lookups are not
// cached and the next Resolve tries again.
type Gate struct {
	client Client
	opts   Options
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]Outcome
}

func NewGate(client Client, opts Options) *Gate {
	return &Gate{
		client: client,
		opts:   opts,
		logger: logging.WithComponent(opts.Logger, "invite"),
		cache:  make(map[string]Outcome),
	}
}

// Resolve returns the cached outcome for token or fetches it.
func (g *Gate) Resolve(ctx context.Context, token string) Outcome {
	token = strings.TrimSpace(token)
	if out, ok := g.Cached(token); ok {
		return out
	}
	v, _, _ := g.group.Do(token, func() (any, error) {
		if out, ok := g.Cached(token); ok {
			return out, nil
		}
		return g.fetch(ctx, token), nil
	})
	return v.(Outcome)
}

// Cached returns a previously resolved outcome without touching the backend.
func (g *Gate) Cached(token string) (Outcome, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out, ok := g.cache[strings.TrimSpace(token)]
	return out, ok
}

// Refresh refetches token and replaces the cached context wholesale.
func (g *Gate) Refresh(ctx context.Context, token string) Outcome {
	token = strings.TrimSpace(token)
	g.mu.Lock()
	delete(g.cache, token)
	g.mu.Unlock()
	g.group.Forget(token)
	return g.Resolve(ctx, token)
}

// Consent records the candidate's consent. The backend treats repeats as
// no-ops.
func (g *Gate) Consent(ctx context.Context, token string) error {
	if err := g.client.RecordConsent(ctx, token); err != nil {
		g.logger.Warn("consent failed", "token", policy.RedactToken(token), "error", err)
		return err
	}
	g.mu.Lock()
	if out, ok := g.cache[strings.TrimSpace(token)]; ok && out.Route == RouteWelcome {
		out.Invite.Candidate.ConsentGiven = true
		g.cache[strings.TrimSpace(token)] = out
	}
	g.mu.Unlock()
	g.record(ctx, journal.KindConsentRecorded, "")
	return nil
}

func (g *Gate) fetch(ctx context.Context, token string) Outcome {
	started := time.Now()
	inv, err := g.client.GetInvite(ctx, token)
	g.opts.Metrics.ObserveStage(observability.StageInviteResolve, time.Since(started))

	out := classify(inv, err)
	out.ResolvedAt = time.Now().UTC()
	g.opts.Metrics.InviteOutcome(string(out.Route))

	if out.Route == RouteError {
		g.logger.Warn("invite resolution failed", "token", policy.RedactToken(token), "error", out.Err)
		return out
	}
	g.logger.Info("invite resolved", "token", policy.RedactToken(token), "route", out.Route, "questions", len(out.Invite.Questions))

	g.mu.Lock()
	g.cache[token] = out
	g.mu.Unlock()
	g.record(ctx, journal.KindInviteResolved, string(out.Route))
	return out
}

func classify(inv publicapi.InviteContext, err error) Outcome {
	if err == nil {
		if len(inv.Questions) == 0 {
			return Outcome{Route: RouteError, Err: ErrNoQuestions}
		}
		return Outcome{Route: RouteWelcome, Invite: inv}
	}
	se, ok := publicapi.AsStatusError(err)
	switch {
	case ok && publicapi.IsExpired(err):
		return Outcome{Route: RouteExpired, Expired: &ExpiredView{
			JobTitle:     se.Details.JobTitle,
			CompanyName:  se.Details.CompanyName,
			ContactEmail: se.Details.ContactEmail,
		}}
	case ok && publicapi.IsAlreadySubmitted(err):
		return Outcome{Route: RouteAlreadySubmitted, AlreadySubmitted: &AlreadySubmittedView{
			ReferenceID: se.Details.ReferenceID,
			JobTitle:    se.Details.JobTitle,
			CompanyName: se.Details.CompanyName,
		}}
	default:
		return Outcome{Route: RouteError, Err: err}
	}
}

func (g *Gate) record(ctx context.Context, kind journal.Kind, detail string) {
	if g.opts.Journal == nil {
		return
	}
	entry := journal.Entry{SessionID: g.opts.SessionID, Kind: kind, QuestionIndex: journal.NoQuestion, Detail: detail}
	if err := g.opts.Journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Warn("journal append failed", "kind", kind, "error", err)
	}
}
