// Package recording drives one question's recording lifecycle. Transition is
// a pure function over State and Event; Session executes the Effects it
// returns against the device manager, capture engine, preview store and
// upload coordinator.
package recording

import (
	"time"

	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/device"
)

type Phase string

const (
	PhaseAcquiring   Phase = "acquiring"
	PhaseDeviceError Phase = "device_error"
	PhasePrep        Phase = "prep"
	PhaseRecording   Phase = "recording"
	PhaseReview      Phase = "review"
	PhaseUploading   Phase = "uploading"
	PhaseComplete    Phase = "complete"
	PhaseClosed      Phase = "closed"
)

type EventKind string

const (
	EventDeviceReady     EventKind = "device_ready"
	EventDeviceFailed    EventKind = "device_failed"
	EventRetryDevice     EventKind = "retry_device"
	EventPrepTick        EventKind = "prep_tick"
	EventCaptureTick     EventKind = "capture_tick"
	EventStopRequested   EventKind = "stop_requested"
	EventArtifactReady   EventKind = "artifact_ready"
	EventRerecord        EventKind = "rerecord"
	EventAccept          EventKind = "accept"
	EventUploadProgress  EventKind = "upload_progress"
	EventUploadSucceeded EventKind = "upload_succeeded"
	EventUploadFailed    EventKind = "upload_failed"
	EventAdvanceDue      EventKind = "advance_due"
	EventTeardown        EventKind = "teardown"
)

// Event is a transition trigger. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Take identifies the recording attempt capture and artifact events
	// belong to; events from a discarded take are ignored.
	Take int

	Elapsed   time.Duration
	Remaining time.Duration
	Auto      bool

	DeviceErr       device.ErrorKind
	Message         string
	Percent         int
	RemoteAnswerID  string
	DurationSeconds int
	ArtifactBytes   int

	stream   device.Stream
	artifact capture.Artifact
}

type Effect string

const (
	EffectAcquireDevice   Effect = "acquire_device"
	EffectReleaseDevice   Effect = "release_device"
	EffectStartPrepTimer  Effect = "start_prep_timer"
	EffectStopPrepTimer   Effect = "stop_prep_timer"
	EffectStartCapture    Effect = "start_capture"
	EffectStopCapture     Effect = "stop_capture"
	EffectResetCapture    Effect = "reset_capture"
	EffectCreatePreview   Effect = "create_preview"
	EffectRevokePreview   Effect = "revoke_preview"
	EffectStartUpload     Effect = "start_upload"
	EffectScheduleAdvance Effect = "schedule_advance"
	EffectCancelAdvance   Effect = "cancel_advance"
	EffectRecordAnswer    Effect = "record_answer"
	EffectAdvance         Effect = "advance"
)

type Action string

const (
	ActionStop        Action = "stop"
	ActionRerecord    Action = "rerecord"
	ActionAccept      Action = "accept"
	ActionRetryUpload Action = "retry_upload"
	ActionCameraRetry Action = "camera_retry"
)

// State is the observable state of one question's recording session.
type State struct {
	QuestionIndex int
	ThinkSeconds  int
	MaxDuration   time.Duration
	AllowRetakes  bool

	Phase         Phase
	Take          int
	PrepRemaining int
	Elapsed       time.Duration
	Remaining     time.Duration
	Stopping      bool

	DeviceErr device.ErrorKind

	HasArtifact     bool
	ArtifactBytes   int
	DurationSeconds int
	PreviewHandle   string

	UploadProgress   int
	LastUploadFailed bool
	UploadError      string
	RemoteAnswerID   string
	Advanced         bool
}

// Initial returns the state a session starts in, together with the effects
// that kick it off.
func Initial(questionIndex, thinkSeconds int, maxDuration time.Duration, allowRetakes bool) (State, []Effect) {
	if thinkSeconds < 0 {
		thinkSeconds = 0
	}
	return State{
		QuestionIndex: questionIndex,
		ThinkSeconds:  thinkSeconds,
		MaxDuration:   maxDuration,
		AllowRetakes:  allowRetakes,
		Phase:         PhaseAcquiring,
		Remaining:     maxDuration,
	}, []Effect{EffectAcquireDevice}
}

// Transition computes the next state. Events that do not apply to the current
// phase leave the state untouched and produce no effects.
func Transition(s State, ev Event) (State, []Effect) {
	if s.Phase == PhaseClosed {
		return s, nil
	}
	if ev.Kind == EventTeardown {
		return teardown(s)
	}

	switch s.Phase {
	case PhaseAcquiring:
		switch ev.Kind {
		case EventDeviceReady:
			s.DeviceErr = ""
			return beginTake(s)
		case EventDeviceFailed:
			s.Phase = PhaseDeviceError
			s.DeviceErr = ev.DeviceErr
			if s.DeviceErr == "" {
				s.DeviceErr = device.ErrorUnavailable
			}
			return s, nil
		}

	case PhaseDeviceError:
		if ev.Kind == EventRetryDevice {
			s.Phase = PhaseAcquiring
			return s, []Effect{EffectAcquireDevice}
		}

	case PhasePrep:
		if ev.Kind == EventPrepTick {
			s.PrepRemaining--
			if s.PrepRemaining > 0 {
				return s, nil
			}
			s.PrepRemaining = 0
			s.Phase = PhaseRecording
			return s, []Effect{EffectStopPrepTimer, EffectStartCapture}
		}

	case PhaseRecording:
		switch ev.Kind {
		case EventCaptureTick:
			if ev.Take != s.Take {
				return s, nil
			}
			s.Elapsed = ev.Elapsed
			s.Remaining = ev.Remaining
			return s, nil
		case EventStopRequested:
			if s.Stopping {
				return s, nil
			}
			s.Stopping = true
			if ev.Auto {
				// The engine is already finalizing.
				return s, nil
			}
			return s, []Effect{EffectStopCapture}
		case EventArtifactReady:
			if ev.Take != s.Take {
				return s, nil
			}
			s.Phase = PhaseReview
			s.Stopping = false
			s.HasArtifact = true
			s.ArtifactBytes = ev.ArtifactBytes
			s.DurationSeconds = ev.DurationSeconds
			s.Elapsed = time.Duration(ev.DurationSeconds) * time.Second
			s.LastUploadFailed = false
			s.UploadError = ""
			return s, []Effect{EffectRevokePreview, EffectCreatePreview}
		}

	case PhaseReview:
		switch ev.Kind {
		case EventRerecord:
			if !s.AllowRetakes {
				return s, nil
			}
			s.HasArtifact = false
			s.ArtifactBytes = 0
			s.DurationSeconds = 0
			s.LastUploadFailed = false
			s.UploadError = ""
			s.UploadProgress = 0
			s.Take++
			next, effects := beginTake(s)
			return next, append([]Effect{EffectRevokePreview, EffectResetCapture}, effects...)
		case EventAccept:
			if !s.HasArtifact {
				return s, nil
			}
			s.Phase = PhaseUploading
			s.UploadProgress = 0
			s.UploadError = ""
			return s, []Effect{EffectStartUpload}
		}

	case PhaseUploading:
		switch ev.Kind {
		case EventUploadProgress:
			if ev.Percent > s.UploadProgress {
				s.UploadProgress = min(ev.Percent, 100)
			}
			return s, nil
		case EventUploadSucceeded:
			s.Phase = PhaseComplete
			s.UploadProgress = 100
			s.LastUploadFailed = false
			s.RemoteAnswerID = ev.RemoteAnswerID
			if ev.DurationSeconds > 0 {
				s.DurationSeconds = ev.DurationSeconds
			}
			return s, []Effect{EffectRecordAnswer, EffectRevokePreview, EffectReleaseDevice, EffectScheduleAdvance}
		case EventUploadFailed:
			// The artifact stays so the candidate can retry without re-recording.
			s.Phase = PhaseReview
			s.LastUploadFailed = true
			s.UploadError = ev.Message
			return s, nil
		}

	case PhaseComplete:
		if ev.Kind == EventAdvanceDue && !s.Advanced {
			s.Advanced = true
			return s, []Effect{EffectAdvance}
		}
	}
	return s, nil
}

// beginTake moves into PREP, or straight into RECORDING when there is no
// think time.
func beginTake(s State) (State, []Effect) {
	s.Elapsed = 0
	s.Remaining = s.MaxDuration
	s.Stopping = false
	if s.ThinkSeconds > 0 {
		s.Phase = PhasePrep
		s.PrepRemaining = s.ThinkSeconds
		return s, []Effect{EffectStartPrepTimer}
	}
	s.Phase = PhaseRecording
	s.PrepRemaining = 0
	return s, []Effect{EffectStartCapture}
}

func teardown(s State) (State, []Effect) {
	s.Phase = PhaseClosed
	s.Stopping = false
	return s, []Effect{
		EffectStopPrepTimer,
		EffectCancelAdvance,
		EffectResetCapture,
		EffectRevokePreview,
		EffectReleaseDevice,
	}
}

// Actions lists what the candidate may do in s.
func Actions(s State) []Action {
	switch s.Phase {
	case PhaseDeviceError:
		return []Action{ActionCameraRetry}
	case PhaseRecording:
		if s.Stopping {
			return nil
		}
		return []Action{ActionStop}
	case PhaseReview:
		var actions []Action
		if s.LastUploadFailed {
			actions = append(actions, ActionRetryUpload)
		} else {
			actions = append(actions, ActionAccept)
		}
		if s.AllowRetakes {
			actions = append(actions, ActionRerecord)
		}
		return actions
	}
	return nil
}

// Allows reports whether a is currently offered.
func Allows(s State, a Action) bool {
	for _, candidate := range Actions(s) {
		if candidate == a {
			return true
		}
	}
	return false
}
