package interview

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tamabayevs/corematch/internal/candidate"
	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/invite"
	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/policy"
	"github.com/tamabayevs/corematch/internal/protocol"
	"github.com/tamabayevs/corematch/internal/publicapi"
	"github.com/tamabayevs/corematch/internal/recording"
	"github.com/tamabayevs/corematch/internal/reliability"
	"github.com/tamabayevs/corematch/internal/submission"
)

type checkResult struct {
	gen    int
	stream device.Stream
	err    error
}

type submitResult struct {
	out submission.Outcome
	err error
}

// connection is the per-connection state of RunConnection. It is only
// touched by the RunConnection goroutine.
type connection struct {
	o        *Orchestrator
	ctx      context.Context
	sess     *candidate.Session
	attempt  *Attempt
	devices  *device.Manager
	outbound chan<- any
	events   chan recording.Envelope
	checks   chan checkResult
	submits  chan submitResult
	logger   *slog.Logger

	inv       publicapi.InviteContext
	consented bool
	route     Route
	index     int

	current        *recording.Session
	last           recording.State
	pendingAdvance int

	checkGen    int
	checkStream device.Stream
	submitting  bool
}

func (c *connection) start() {
	if sub := c.attempt.Submission(); sub != nil {
		if out, ok := sub.Latched(); ok {
			c.applySubmission(out)
			return
		}
	}
	c.applyOutcome(c.attempt.Resolve(c.ctx))
}

func (c *connection) teardown() {
	c.closeCurrent()
	c.releaseCheck()
	c.devices.ReleaseAll()
	c.o.previews.RevokeOwner(c.sess.ID)
	c.logger.Debug("candidate connection closed", "route", c.route)
}

func (c *connection) applyOutcome(out invite.Outcome) {
	switch out.Route {
	case invite.RouteWelcome:
		c.inv = out.Invite
		c.consented = out.Invite.Candidate.ConsentGiven
		c.navigate(RouteWelcome, -1, welcomeView(c.inv, c.attempt.Answers()))
	case invite.RouteExpired:
		c.navigate(RouteExpired, -1, out.Expired)
	case invite.RouteAlreadySubmitted:
		c.navigate(RouteAlreadySubmitted, -1, out.AlreadySubmitted)
	default:
		// The page stays where it is and offers a refresh.
		c.route = RouteError
		c.sendError("invite_unavailable", "invite", retryable(out.Err), out.Err)
	}
}

func (c *connection) applySubmission(out submission.Outcome) {
	switch out.Route {
	case submission.RouteAlreadySubmitted:
		c.navigate(RouteAlreadySubmitted, -1, out.AlreadySubmitted)
	default:
		c.navigate(RouteConfirmation, -1, out.Confirmation)
	}
}

func (c *connection) handleInbound(raw any) {
	msg, ok := raw.(protocol.ClientControl)
	if !ok {
		return
	}
	_ = c.o.sessions.Touch(c.sess.ID)

	switch msg.Action {
	case protocol.ActionRefresh:
		if c.route != RouteError && c.route != RouteWelcome {
			c.reject(msg.Action)
			return
		}
		c.applyOutcome(c.attempt.Gate.Refresh(c.ctx, c.attempt.Token()))
		if c.route == RouteWelcome {
			c.attempt.prepare(questionIndices(c.inv))
		}
	case protocol.ActionBegin:
		switch {
		case c.route == RouteWelcome && c.consented:
			c.startCameraCheck()
		case c.route == RouteWelcome:
			c.navigate(RouteConsent, -1, nil)
		case c.route == RouteCameraCheck && c.checkStream != nil:
			c.beginQuestions()
		default:
			c.reject(msg.Action)
		}
	case protocol.ActionConsent:
		if c.route != RouteConsent && c.route != RouteWelcome {
			c.reject(msg.Action)
			return
		}
		if err := c.attempt.Gate.Consent(c.ctx, c.attempt.Token()); err != nil {
			c.sendError("consent_failed", "invite", retryable(err), err)
			return
		}
		c.consented = true
		c.startCameraCheck()
	case protocol.ActionCameraRetry:
		if c.route == RouteCameraCheck {
			c.startCameraCheck()
			return
		}
		c.recordingEvent(recording.EventRetryDevice, recording.ActionCameraRetry, msg.Action)
	case protocol.ActionStop:
		c.recordingEvent(recording.EventStopRequested, recording.ActionStop, msg.Action)
	case protocol.ActionRerecord:
		c.recordingEvent(recording.EventRerecord, recording.ActionRerecord, msg.Action)
	case protocol.ActionAccept:
		c.recordingEvent(recording.EventAccept, recording.ActionAccept, msg.Action)
	case protocol.ActionRetryUpload:
		c.recordingEvent(recording.EventAccept, recording.ActionRetryUpload, msg.Action)
	case protocol.ActionGoto:
		if !c.canNavigate() || msg.QuestionIndex == nil {
			c.reject(msg.Action)
			return
		}
		pos := c.position(*msg.QuestionIndex)
		if pos < 0 || c.locked(*msg.QuestionIndex) {
			c.reject(msg.Action)
			return
		}
		c.enterQuestion(pos)
	case protocol.ActionReviewAll:
		if !c.canNavigate() {
			c.reject(msg.Action)
			return
		}
		c.goReviewAll("")
	case protocol.ActionSubmit:
		if c.route != RouteReviewAll || c.submitting {
			c.reject(msg.Action)
			return
		}
		c.startSubmit()
	default:
		c.reject(msg.Action)
	}
}

// canNavigate reports whether the candidate may jump between questions and
// the review screen. An upload in flight pins the current question.
func (c *connection) canNavigate() bool {
	if !c.consented || c.submitting {
		return false
	}
	switch c.route {
	case RouteCameraCheck, RouteReviewAll:
		return true
	case RouteRecord:
		if c.current == nil {
			return true
		}
		switch c.current.State().Phase {
		case recording.PhaseUploading:
			return false
		case recording.PhaseRecording, recording.PhaseReview:
			// Without retakes a started take must be stopped and accepted.
			return c.inv.Campaign.AllowRetakes
		}
		return true
	}
	return false
}

// locked reports whether questionIndex may not be entered again because
// retakes are off and its take already happened.
func (c *connection) locked(questionIndex int) bool {
	if c.inv.Campaign.AllowRetakes {
		return false
	}
	if ans, ok := c.attempt.Answers().Get(questionIndex); ok && ans.Uploaded {
		return true
	}
	if c.route == RouteRecord && c.current != nil {
		st := c.current.State()
		if st.QuestionIndex == questionIndex {
			switch st.Phase {
			case recording.PhaseAcquiring, recording.PhaseDeviceError, recording.PhasePrep:
				return false
			}
			return true
		}
	}
	return false
}

func (c *connection) position(questionIndex int) int {
	for i, q := range c.inv.Questions {
		if q.Index == questionIndex {
			return i
		}
	}
	return -1
}

func (c *connection) recordingEvent(kind recording.EventKind, action recording.Action, name string) {
	if c.route != RouteRecord || c.current == nil || !recording.Allows(c.current.State(), action) {
		c.reject(name)
		return
	}
	c.current.Handle(recording.Event{Kind: kind})
	c.flushAdvance()
}

func (c *connection) startCameraCheck() {
	c.releaseCheck()
	c.navigate(RouteCameraCheck, -1, CameraCheckView{Status: "acquiring"})

	gen := c.checkGen
	ctx := c.ctx
	timeout := c.o.settings.AcquireTimeout
	go func() {
		acquireCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		stream, err := c.devices.Acquire(acquireCtx)
		select {
		case c.checks <- checkResult{gen: gen, stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				c.devices.Release(stream)
			}
		}
	}()
}

func (c *connection) handleCheck(res checkResult) {
	if res.gen != c.checkGen || c.route != RouteCameraCheck {
		if res.stream != nil {
			c.devices.Release(res.stream)
		}
		return
	}
	if res.err != nil {
		kind := device.KindOf(res.err)
		c.record(journal.KindDeviceEvent, journal.NoQuestion, "camera check failed: "+string(kind))
		c.navigate(RouteCameraCheck, -1, CameraCheckView{Status: "error", DeviceError: string(kind)})
		return
	}
	c.checkStream = res.stream
	c.navigate(RouteCameraCheck, -1, CameraCheckView{Status: "ready", StreamID: res.stream.ID()})
}

// releaseCheck stops the camera-check stream and invalidates any check in
// flight.
func (c *connection) releaseCheck() {
	c.checkGen++
	if c.checkStream != nil {
		c.devices.Release(c.checkStream)
		c.checkStream = nil
	}
}

func (c *connection) beginQuestions() {
	c.releaseCheck()
	answers := c.attempt.Answers()
	next := answers.FirstMissing()
	if next < 0 {
		c.goReviewAll("")
		return
	}
	if pos := c.position(next); pos >= 0 {
		c.enterQuestion(pos)
		return
	}
	c.enterQuestion(0)
}

// enterQuestion tears down whatever is live and starts question pos with a
// brand new recording session and a freshly acquired stream.
func (c *connection) enterQuestion(pos int) {
	c.closeCurrent()
	c.releaseCheck()

	q := c.inv.Questions[pos]
	settings := c.o.settings
	var s *recording.Session
	s = recording.NewSession(c.ctx, recording.Config{
		Owner:          c.sess.ID,
		Token:          c.attempt.Token(),
		QuestionIndex:  q.Index,
		ThinkSeconds:   q.ThinkTimeSeconds,
		MaxDuration:    maxRecording(c.inv),
		AllowRetakes:   c.inv.Campaign.AllowRetakes,
		AdvanceDelay:   settings.AdvanceDelay,
		AcquireTimeout: settings.AcquireTimeout,
		Capture:        settings.Capture,
	}, recording.Deps{
		Devices:  c.devices,
		Uploader: c.attempt.Uploader,
		Previews: c.o.previews,
		Post:     c.post,
		Metrics:  c.o.metrics,
		Logger:   c.logger,
	}, recording.Listener{
		OnState:    func(st recording.State) { c.onState(s, st) },
		OnComplete: c.onComplete,
		OnAdvance: func(questionIndex int) {
			if s == c.current {
				c.pendingAdvance = questionIndex
			}
		},
	})

	c.current = s
	c.last = recording.State{}
	_, answered := c.attempt.Answers().Get(q.Index)
	c.navigate(RouteRecord, q.Index, RecordView{
		Question:            q,
		Position:            pos,
		Total:               len(c.inv.Questions),
		MaxRecordingSeconds: int(maxRecording(c.inv) / time.Second),
		AllowRetakes:        c.inv.Campaign.AllowRetakes,
		PreviouslyAnswered:  answered,
	})
	s.Start()
}

func (c *connection) closeCurrent() {
	if c.current != nil {
		s := c.current
		c.current = nil
		if holdsArtifact(c.last) {
			c.attempt.Answers().MarkLocal(c.last.QuestionIndex, false)
		}
		s.Close()
	}
	c.pendingAdvance = -1
}

// holdsArtifact reports whether a finished take is waiting in review or
// being uploaded.
func holdsArtifact(st recording.State) bool {
	return st.HasArtifact && (st.Phase == recording.PhaseReview || st.Phase == recording.PhaseUploading)
}

func (c *connection) post(env recording.Envelope) {
	select {
	case c.events <- env:
	case <-c.ctx.Done():
	}
}

func (c *connection) onState(s *recording.Session, st recording.State) {
	if s != c.current || st.Phase == recording.PhaseClosed {
		return
	}
	prev := c.last
	c.last = st

	if held := holdsArtifact(st); held != holdsArtifact(prev) {
		c.attempt.Answers().MarkLocal(st.QuestionIndex, held)
	}
	if st.Phase != prev.Phase {
		c.record(journal.KindPhaseChanged, st.QuestionIndex, string(st.Phase))
	}
	if st.LastUploadFailed && !prev.LastUploadFailed {
		c.record(journal.KindUploadFailed, st.QuestionIndex, st.UploadError)
		c.sendError("upload_failed", "upload", true, errors.New(st.UploadError))
	}

	switch {
	case st.Phase != prev.Phase || st.Take != prev.Take || st.Stopping != prev.Stopping ||
		st.PreviewHandle != prev.PreviewHandle || st.LastUploadFailed != prev.LastUploadFailed ||
		st.DeviceErr != prev.DeviceErr:
		c.send(c.phaseEvent(st))
	case st.UploadProgress != prev.UploadProgress:
		c.send(protocol.UploadProgress{
			Type:          protocol.TypeUploadProgress,
			SessionID:     c.sess.ID,
			QuestionIndex: st.QuestionIndex,
			Percent:       st.UploadProgress,
		})
	default:
		c.send(protocol.Tick{
			Type:          protocol.TypeTick,
			SessionID:     c.sess.ID,
			QuestionIndex: st.QuestionIndex,
			Phase:         string(st.Phase),
			PrepRemaining: st.PrepRemaining,
			ElapsedMS:     st.Elapsed.Milliseconds(),
			RemainingMS:   st.Remaining.Milliseconds(),
		})
	}
}

func (c *connection) phaseEvent(st recording.State) protocol.PhaseEvent {
	actions := recording.Actions(st)
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, string(a))
	}
	ev := protocol.PhaseEvent{
		Type:             protocol.TypePhaseEvent,
		SessionID:        c.sess.ID,
		QuestionIndex:    st.QuestionIndex,
		Phase:            string(st.Phase),
		Take:             st.Take,
		PrepRemaining:    st.PrepRemaining,
		ElapsedMS:        st.Elapsed.Milliseconds(),
		RemainingMS:      st.Remaining.Milliseconds(),
		UploadProgress:   st.UploadProgress,
		LastUploadFailed: st.LastUploadFailed,
		UploadError:      st.UploadError,
		DeviceError:      string(st.DeviceErr),
		Actions:          names,
	}
	if st.PreviewHandle != "" {
		ev.PreviewURL = c.o.settings.PreviewPath + st.PreviewHandle + "?session_id=" + c.sess.ID
	}
	return ev
}

func (c *connection) onComplete(done recording.Completion) {
	c.attempt.Answers().Record(Answer{
		QuestionIndex:   done.QuestionIndex,
		Uploaded:        true,
		RemoteAnswerID:  done.RemoteAnswerID,
		DurationSeconds: done.DurationSeconds,
	})
	c.record(journal.KindUploadSucceeded, done.QuestionIndex, done.RemoteAnswerID)
	c.logger.Info("answer recorded", "question_index", done.QuestionIndex, "bytes", done.Bytes)
}

// flushAdvance acts on an advance signalled during the last Handle call. It
// runs after Handle returns so a session is never closed from inside its own
// effect loop.
func (c *connection) flushAdvance() {
	if c.pendingAdvance < 0 {
		return
	}
	questionIndex := c.pendingAdvance
	c.pendingAdvance = -1
	if c.route != RouteRecord || c.current == nil || c.current.State().QuestionIndex != questionIndex {
		return
	}
	pos := c.position(questionIndex)
	if pos >= 0 && pos+1 < len(c.inv.Questions) {
		c.enterQuestion(pos + 1)
		return
	}
	c.goReviewAll("")
}

func (c *connection) goReviewAll(submitErr string) {
	c.closeCurrent()
	c.releaseCheck()
	view := reviewView(c.inv, c.attempt.Answers())
	view.SubmitError = submitErr
	c.navigate(RouteReviewAll, -1, view)
}

func (c *connection) startSubmit() {
	sub := c.attempt.Submission()
	c.submitting = true
	c.navigate(RouteSubmit, -1, nil)

	ctx := c.ctx
	go func() {
		out, err := sub.Submit(ctx)
		select {
		case c.submits <- submitResult{out: out, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *connection) handleSubmit(res submitResult) {
	c.submitting = false
	if res.err != nil {
		c.sendError("submit_failed", "submission", retryable(res.err), res.err)
		c.goReviewAll(res.err.Error())
		return
	}
	c.applySubmission(res.out)
}

func (c *connection) navigate(route Route, questionIndex int, view any) {
	c.route = route
	c.index = questionIndex
	_ = c.o.sessions.SetRoute(c.sess.ID, string(route), questionIndex)
	c.send(protocol.Navigate{
		Type:          protocol.TypeNavigate,
		SessionID:     c.sess.ID,
		Route:         string(route),
		QuestionIndex: questionIndex,
		View:          view,
	})
}

func (c *connection) reject(action string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sess.ID,
		Code:      "action_not_allowed",
		Source:    "orchestrator",
		Retryable: false,
		Detail:    action + " is not available on " + string(c.route),
	})
}

func (c *connection) sendError(code, source string, retry bool, err error) {
	detail := ""
	if err != nil {
		detail, _ = policy.RedactPII(err.Error())
	}
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sess.ID,
		Code:      code,
		Source:    source,
		Retryable: retry,
		Detail:    detail,
	})
}

// send queues msg for the socket writer. Ticks and progress are dropped when
// the queue is full; everything else waits briefly.
func (c *connection) send(msg any) {
	switch msg.(type) {
	case protocol.Tick, protocol.UploadProgress:
		select {
		case c.outbound <- msg:
		default:
			c.o.metrics.SessionEvent("outbound_drop")
		}
		return
	}
	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
	case <-timer.C:
		c.o.metrics.SessionEvent("outbound_timeout_critical")
	case <-c.ctx.Done():
	}
}

func (c *connection) record(kind journal.Kind, questionIndex int, detail string) {
	c.o.record(c.ctx, journal.Entry{SessionID: c.sess.ID, Kind: kind, QuestionIndex: questionIndex, Detail: detail})
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, invite.ErrNoQuestions) {
		return false
	}
	return reliability.IsRetryable(err)
}
