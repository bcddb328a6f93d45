// Package interview runs the candidate flow for one live connection: it
// routes between the welcome, consent, camera-check, record, review-all and
// submit steps, builds a fresh recording session for every question entry,
// and records answers as questions complete.
package interview

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tamabayevs/corematch/internal/candidate"
	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/invite"
	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/preview"
	"github.com/tamabayevs/corematch/internal/publicapi"
	"github.com/tamabayevs/corematch/internal/recording"
	"github.com/tamabayevs/corematch/internal/submission"
	"github.com/tamabayevs/corematch/internal/upload"
)

const (
	defaultMaxRecording = 120 * time.Second
	journalTimeout      = 2 * time.Second
	criticalSendTimeout = 600 * time.Millisecond
)

type Settings struct {
	AcquireTimeout time.Duration
	AdvanceDelay   time.Duration
	UploadTimeout  time.Duration
	Capture        capture.Options
	Constraints    device.Constraints
	// PreviewPath prefixes preview handles in phase events.
	PreviewPath string
}

type Orchestrator struct {
	client   *publicapi.Client
	sessions *candidate.Manager
	previews *preview.Store
	journal  journal.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	settings Settings

	mu       sync.Mutex
	attempts map[string]*Attempt
}

func NewOrchestrator(
	client *publicapi.Client,
	sessions *candidate.Manager,
	previews *preview.Store,
	journalStore journal.Store,
	metrics *observability.Metrics,
	settings Settings,
	logger *slog.Logger,
) *Orchestrator {
	if settings.PreviewPath == "" {
		settings.PreviewPath = "/v1/candidate/previews/"
	}
	if previews == nil {
		previews = preview.NewStore()
	}
	if settings.Constraints == (device.Constraints{}) {
		settings.Constraints = device.DefaultConstraints()
	}
	return &Orchestrator{
		client:   client,
		sessions: sessions,
		previews: previews,
		journal:  journalStore,
		metrics:  metrics,
		logger:   logging.WithComponent(logger, "interview"),
		settings: settings,
		attempts: make(map[string]*Attempt),
	}
}

// Attempt returns the attempt of sess, creating it on first use.
func (o *Orchestrator) Attempt(sess *candidate.Session) *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.attempts[sess.ID]; ok {
		return a
	}
	client := o.client.WithLocale(sess.Locale)
	opts := submission.Options{SessionID: sess.ID, Journal: o.journal, Metrics: o.metrics, Logger: o.logger}
	a := &Attempt{
		SessionID: sess.ID,
		token:     sess.Token(),
		Gate: invite.NewGate(client, invite.Options{
			SessionID: sess.ID,
			Journal:   o.journal,
			Metrics:   o.metrics,
			Logger:    o.logger,
		}),
		Uploader: upload.NewCoordinator(client, o.settings.UploadTimeout, o.metrics, o.logger),
		client:   client,
		opts:     opts,
	}
	o.attempts[sess.ID] = a
	return a
}

func (o *Orchestrator) Lookup(sessionID string) (*Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[sessionID]
	return a, ok
}

// Forget drops the attempt of an ended session and revokes its previews.
func (o *Orchestrator) Forget(sessionID string) {
	o.mu.Lock()
	delete(o.attempts, sessionID)
	o.mu.Unlock()
	if o.previews != nil {
		o.previews.RevokeOwner(sessionID)
	}
}

// RunConnection drives the candidate flow for one connection until ctx is
// done or inbound is closed. Every state change happens on this goroutine.
// Device streams opened through source are released on every exit path.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *candidate.Session, source device.Source, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		o:              o,
		ctx:            ctx,
		sess:           sess,
		attempt:        o.Attempt(sess),
		outbound:       outbound,
		events:         make(chan recording.Envelope, 128),
		checks:         make(chan checkResult, 1),
		submits:        make(chan submitResult, 1),
		logger:         o.logger.With("session_id", sess.ID),
		pendingAdvance: -1,
	}
	c.devices = device.NewManager(source, o.settings.Constraints, func(event string) {
		o.metrics.DeviceEvent(event)
	}, o.logger)
	defer c.teardown()

	c.start()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleInbound(raw)
		case env := <-c.events:
			env.Session.Handle(env.Event)
			c.flushAdvance()
		case res := <-c.checks:
			c.handleCheck(res)
		case res := <-c.submits:
			c.handleSubmit(res)
		}
	}
}

// ListEvents returns the attempt journal of a session.
func (o *Orchestrator) ListEvents(ctx context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	if o.journal == nil {
		return nil, nil
	}
	return o.journal.List(ctx, sessionID, limit)
}

func (o *Orchestrator) record(ctx context.Context, entry journal.Entry) {
	if o.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := o.journal.Append(ctx, entry); err != nil {
		o.logger.Warn("journal append failed", "kind", entry.Kind, "error", err)
	}
}

func maxRecording(inv publicapi.InviteContext) time.Duration {
	if inv.Campaign.MaxRecordingSeconds <= 0 {
		return defaultMaxRecording
	}
	return time.Duration(inv.Campaign.MaxRecordingSeconds) * time.Second
}
