package recording

import (
	"context"
	"log/slog"
	"time"

	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/preview"
	"github.com/tamabayevs/corematch/internal/upload"
)

// Devices is the part of device.Manager a session uses.
type Devices interface {
	Acquire(ctx context.Context) (device.Stream, error)
	Release(s device.Stream)
}

// Uploader is the part of upload.Coordinator a session uses.
type Uploader interface {
	Upload(ctx context.Context, token string, art capture.Artifact, questionIndex, durationSeconds int, onProgress func(percent int)) (upload.Result, error)
}

// Envelope carries an asynchronous event back to the goroutine that owns the
// session. The owner must hand it to Envelope.Session.Handle.
type Envelope struct {
	Session *Session
	Event   Event
}

// Completion is emitted once when an answer has been uploaded.
type Completion struct {
	QuestionIndex   int
	RemoteAnswerID  string
	DurationSeconds int
	Bytes           int
}

type Listener struct {
	OnState    func(State)
	OnComplete func(Completion)
	OnAdvance  func(questionIndex int)
}

type Config struct {
	// Owner scopes preview handles to one candidate session.
	Owner          string
	Token          string
	QuestionIndex  int
	ThinkSeconds   int
	MaxDuration    time.Duration
	AllowRetakes   bool
	AdvanceDelay   time.Duration
	AcquireTimeout time.Duration
	Capture        capture.Options
}

type Deps struct {
	Devices  Devices
	Uploader Uploader
	Previews *preview.Store
	// Post must deliver the envelope to the owner goroutine, or drop it once
	// the owner has gone away. It is called from background goroutines.
	Post     func(Envelope)
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Session is one question's RecordingSession. Handle, Start and Close must
// only be called from the owning goroutine.
type Session struct {
	cfg      Config
	deps     Deps
	listener Listener
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state    State
	engine   *capture.Engine
	stream   device.Stream
	artifact capture.Artifact

	prepStop     chan struct{}
	advanceTimer *time.Timer
}

func NewSession(parent context.Context, cfg Config, deps Deps, listener Listener) *Session {
	ctx, cancel := context.WithCancel(parent)
	if cfg.AdvanceDelay <= 0 {
		cfg.AdvanceDelay = 1500 * time.Millisecond
	}
	return &Session{
		cfg:      cfg,
		deps:     deps,
		listener: listener,
		logger: logging.WithComponent(deps.Logger, "recording").With(
			"question_index", cfg.QuestionIndex,
		),
		ctx:    ctx,
		cancel: cancel,
		engine: capture.NewEngine(cfg.Capture),
	}
}

// Start acquires the device and begins the question.
func (s *Session) Start() {
	state, effects := Initial(s.cfg.QuestionIndex, s.cfg.ThinkSeconds, s.cfg.MaxDuration, s.cfg.AllowRetakes)
	s.state = state
	s.run(effects)
	s.notify()
}

func (s *Session) State() State { return s.state }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool { return s.state.Phase == PhaseClosed }

// Close tears the session down: timers stop, the recording is discarded, the
// preview is revoked and the device is released. Safe to call repeatedly.
func (s *Session) Close() {
	s.Handle(Event{Kind: EventTeardown})
}

// Handle applies ev and runs the resulting effects.
func (s *Session) Handle(ev Event) {
	if s.Closed() {
		// A stream that resolved after teardown still has to be stopped.
		if ev.Kind == EventDeviceReady && ev.stream != nil {
			s.deps.Devices.Release(ev.stream)
		}
		return
	}
	if ev.Kind == EventDeviceReady && s.state.Phase != PhaseAcquiring {
		s.deps.Devices.Release(ev.stream)
		return
	}

	prev := s.state
	next, effects := Transition(s.state, ev)

	switch {
	case ev.Kind == EventDeviceReady:
		s.stream = ev.stream
	case ev.Kind == EventArtifactReady && next.Phase == PhaseReview && prev.Phase == PhaseRecording:
		s.artifact = ev.artifact
		s.deps.Metrics.RecordingFinalized(ev.artifact.Duration)
		s.deps.Metrics.ObserveStage(observability.StageCaptureFinalize, ev.artifact.Finalize)
	}

	s.state = next
	s.run(effects)

	if prev.Phase != next.Phase {
		s.deps.Metrics.PhaseTransition(string(prev.Phase), string(next.Phase))
		s.logger.Debug("recording phase changed", "from", prev.Phase, "to", next.Phase, "take", next.Take)
	}
	if next.Phase == PhaseClosed {
		s.cancel()
	}
	if prev != s.state {
		s.notify()
	}
}

// Actions lists the candidate actions available right now.
func (s *Session) Actions() []Action { return Actions(s.state) }

func (s *Session) notify() {
	if s.listener.OnState != nil {
		s.listener.OnState(s.state)
	}
}

func (s *Session) post(ev Event) {
	if s.deps.Post == nil {
		return
	}
	s.deps.Post(Envelope{Session: s, Event: ev})
}

func (s *Session) run(effects []Effect) {
	for _, effect := range effects {
		switch effect {
		case EffectAcquireDevice:
			s.acquire()
		case EffectReleaseDevice:
			if s.stream != nil {
				s.deps.Devices.Release(s.stream)
				s.stream = nil
			}
		case EffectStartPrepTimer:
			s.startPrepTimer()
		case EffectStopPrepTimer:
			if s.prepStop != nil {
				close(s.prepStop)
				s.prepStop = nil
			}
		case EffectStartCapture:
			s.startCapture()
		case EffectStopCapture:
			s.engine.Stop()
		case EffectResetCapture:
			s.engine.Reset()
			s.artifact = capture.Artifact{}
		case EffectRevokePreview:
			s.revokePreview()
		case EffectCreatePreview:
			s.revokePreview()
			if s.deps.Previews != nil && s.artifact.Size() > 0 {
				s.state.PreviewHandle = s.deps.Previews.Create(s.cfg.Owner, s.artifact)
			}
		case EffectStartUpload:
			s.startUpload()
		case EffectScheduleAdvance:
			s.scheduleAdvance()
		case EffectCancelAdvance:
			if s.advanceTimer != nil {
				s.advanceTimer.Stop()
				s.advanceTimer = nil
			}
		case EffectRecordAnswer:
			if s.listener.OnComplete != nil {
				s.listener.OnComplete(Completion{
					QuestionIndex:   s.state.QuestionIndex,
					RemoteAnswerID:  s.state.RemoteAnswerID,
					DurationSeconds: s.state.DurationSeconds,
					Bytes:           s.state.ArtifactBytes,
				})
			}
		case EffectAdvance:
			if s.listener.OnAdvance != nil {
				s.listener.OnAdvance(s.state.QuestionIndex)
			}
		}
	}
}

func (s *Session) acquire() {
	ctx := s.ctx
	timeout := s.cfg.AcquireTimeout
	go func() {
		acquireCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		started := time.Now()
		stream, err := s.deps.Devices.Acquire(acquireCtx)
		s.deps.Metrics.ObserveStage(observability.StageDeviceAcquire, time.Since(started))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.post(Event{Kind: EventDeviceFailed, DeviceErr: device.KindOf(err), Message: err.Error()})
			return
		}
		s.post(Event{Kind: EventDeviceReady, stream: stream})
	}()
}

func (s *Session) startPrepTimer() {
	if s.prepStop != nil {
		close(s.prepStop)
	}
	stop := make(chan struct{})
	s.prepStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.post(Event{Kind: EventPrepTick})
			}
		}
	}()
}

func (s *Session) startCapture() {
	take := s.state.Take
	err := s.engine.Start(s.stream, s.cfg.MaxDuration, capture.Hooks{
		OnTick: func(elapsed, remaining time.Duration) {
			s.post(Event{Kind: EventCaptureTick, Take: take, Elapsed: elapsed, Remaining: remaining})
		},
		OnStopping: func(reason capture.StopReason) {
			if reason == capture.StopAuto {
				s.post(Event{Kind: EventStopRequested, Take: take, Auto: true})
			}
		},
		OnArtifact: func(art capture.Artifact) {
			s.post(Event{
				Kind:            EventArtifactReady,
				Take:            take,
				ArtifactBytes:   art.Size(),
				DurationSeconds: art.DurationSeconds(),
				artifact:        art,
			})
		},
	})
	if err != nil {
		// Nothing is recording; give the candidate the camera retry path.
		s.logger.Warn("capture start failed", "error", err)
		if s.stream != nil {
			s.deps.Devices.Release(s.stream)
			s.stream = nil
		}
		s.state.Phase = PhaseAcquiring
		s.post(Event{Kind: EventDeviceFailed, DeviceErr: device.ErrorUnavailable, Message: err.Error()})
	}
}

func (s *Session) startUpload() {
	ctx := s.ctx
	art := s.artifact
	token := s.cfg.Token
	idx := s.state.QuestionIndex
	durationSeconds := s.state.DurationSeconds
	go func() {
		res, err := s.deps.Uploader.Upload(ctx, token, art, idx, durationSeconds, func(pct int) {
			s.post(Event{Kind: EventUploadProgress, Percent: pct})
		})
		if err != nil {
			s.post(Event{Kind: EventUploadFailed, Message: err.Error()})
			return
		}
		s.post(Event{Kind: EventUploadSucceeded, RemoteAnswerID: res.RemoteAnswerID, DurationSeconds: durationSeconds})
	}()
}

func (s *Session) scheduleAdvance() {
	if s.advanceTimer != nil {
		s.advanceTimer.Stop()
	}
	s.advanceTimer = time.AfterFunc(s.cfg.AdvanceDelay, func() {
		s.post(Event{Kind: EventAdvanceDue})
	})
}

func (s *Session) revokePreview() {
	if s.state.PreviewHandle == "" {
		return
	}
	if s.deps.Previews != nil {
		s.deps.Previews.Revoke(s.state.PreviewHandle)
	}
	s.state.PreviewHandle = ""
}
