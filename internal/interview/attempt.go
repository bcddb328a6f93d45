package interview

import (
	"context"
	"sync"

	"github.com/tamabayevs/corematch/internal/invite"
	"github.com/tamabayevs/corematch/internal/publicapi"
	"github.com/tamabayevs/corematch/internal/submission"
	"github.com/tamabayevs/corematch/internal/upload"
)

// Attempt is everything that outlives a single connection of a candidate
// session: the resolved invite, the answers so far and the submission latch.
type Attempt struct {
	SessionID string
	token     string

	Gate     *invite.Gate
	Uploader *upload.Coordinator

	client *publicapi.Client
	opts   submission.Options

	mu         sync.Mutex
	answers    *Answers
	submission *submission.Coordinator
}

func (a *Attempt) Token() string { return a.token }

// Resolve runs the invite gate, preparing answers on first success.
func (a *Attempt) Resolve(ctx context.Context) invite.Outcome {
	out := a.Gate.Resolve(ctx, a.token)
	if out.Route == invite.RouteWelcome {
		a.prepare(questionIndices(out.Invite))
	}
	return out
}

// Outcome returns the cached gate outcome without a backend call.
func (a *Attempt) Outcome() (invite.Outcome, bool) {
	return a.Gate.Cached(a.token)
}

// prepare creates the answers on first resolution and keeps their question
// set in step with later refreshes.
func (a *Attempt) prepare(indices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.answers != nil {
		a.answers.SetQuestions(indices)
		return
	}
	a.answers = NewAnswers(indices)
	a.submission = submission.NewCoordinator(a.client, a.token, a.answers, a.opts)
}

// Answers is nil until the invite resolved.
func (a *Attempt) Answers() *Answers {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.answers
}

// Submission is nil until the invite resolved.
func (a *Attempt) Submission() *submission.Coordinator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submission
}

func questionIndices(inv publicapi.InviteContext) []int {
	out := make([]int, 0, len(inv.Questions))
	for _, q := range inv.Questions {
		out = append(out, q.Index)
	}
	return out
}
