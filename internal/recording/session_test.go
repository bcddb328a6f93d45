package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/preview"
	"github.com/tamabayevs/corematch/internal/upload"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    []int
}

func (u *fakeUploader) Upload(ctx context.Context, _ string, art capture.Artifact, idx, _ int, onProgress func(int)) (upload.Result, error) {
	u.mu.Lock()
	u.calls = append(u.calls, art.Size())
	fail := u.failures > 0
	if fail {
		u.failures--
	}
	u.mu.Unlock()

	onProgress(0)
	onProgress(50)
	if err := ctx.Err(); err != nil {
		return upload.Result{}, &upload.Error{QuestionIndex: idx, Err: err}
	}
	if fail {
		return upload.Result{}, &upload.Error{QuestionIndex: idx, Err: errors.New("503 storage unavailable")}
	}
	onProgress(100)
	return upload.Result{RemoteAnswerID: "va_test", Bytes: art.Size()}, nil
}

func (u *fakeUploader) uploadedSizes() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.calls...)
}

type harness struct {
	t        *testing.T
	events   chan Envelope
	source   *device.SyntheticSource
	devices  *device.Manager
	previews *preview.Store
	uploader *fakeUploader
	session  *Session

	completions []Completion
	advanced    []int
	handles     map[string]bool
}

func newHarness(t *testing.T, cfg Config, failures int) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		events:   make(chan Envelope, 256),
		source:   device.NewSyntheticSource(device.SyntheticOptions{ChunkSize: 256}),
		previews: preview.NewStore(),
		uploader: &fakeUploader{failures: failures},
		handles:  map[string]bool{},
	}
	h.devices = device.NewManager(h.source, device.DefaultConstraints(), nil, logging.Discard())

	cfg.Owner = "owner-1"
	cfg.Token = "tok_valid_123456"
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = 5 * time.Second
	}
	cfg.AdvanceDelay = 30 * time.Millisecond
	cfg.Capture = capture.Options{Timeslice: 10 * time.Millisecond, TickInterval: 5 * time.Millisecond, FinalizeTimeout: time.Second}

	h.session = NewSession(context.Background(), cfg, Deps{
		Devices:  h.devices,
		Uploader: h.uploader,
		Previews: h.previews,
		Post: func(env Envelope) {
			select {
			case h.events <- env:
			case <-time.After(time.Second):
			}
		},
		Logger: logging.Discard(),
	}, Listener{
		OnState: func(s State) {
			if s.PreviewHandle != "" {
				h.handles[s.PreviewHandle] = true
			}
			if n := h.previews.Count("owner-1"); n > 1 {
				t.Errorf("preview handles alive = %d, want at most 1", n)
			}
		},
		OnComplete: func(c Completion) { h.completions = append(h.completions, c) },
		OnAdvance:  func(i int) { h.advanced = append(h.advanced, i) },
	})
	t.Cleanup(h.session.Close)
	return h
}

// pumpUntil delivers posted events on the test goroutine, like the
// orchestrator loop does, until cond holds.
func (h *harness) pumpUntil(desc string, cond func(State) bool) {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond(h.session.State()) {
		select {
		case env := <-h.events:
			env.Session.Handle(env.Event)
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s; state = %+v", desc, h.session.State())
		}
	}
}

func phaseIs(p Phase) func(State) bool {
	return func(s State) bool { return s.Phase == p }
}

func TestSessionHappyPathReleasesDeviceAndAdvances(t *testing.T) {
	h := newHarness(t, Config{QuestionIndex: 2}, 0)
	h.session.Start()

	h.pumpUntil("recording", phaseIs(PhaseRecording))
	if h.devices.Active() == nil {
		t.Fatalf("no active stream while recording")
	}
	h.pumpUntil("first tick", func(s State) bool { return s.Elapsed > 0 })

	h.session.Handle(Event{Kind: EventStopRequested})
	h.pumpUntil("review", phaseIs(PhaseReview))
	st := h.session.State()
	if st.PreviewHandle == "" || !st.HasArtifact {
		t.Fatalf("review state = %+v", st)
	}
	if _, _, err := h.previews.Open("owner-1", st.PreviewHandle); err != nil {
		t.Fatalf("Open(preview) error = %v", err)
	}

	h.session.Handle(Event{Kind: EventAccept})
	h.pumpUntil("complete", phaseIs(PhaseComplete))
	if h.devices.Active() != nil || h.source.Live() != 0 {
		t.Fatalf("device still held after complete (live=%d)", h.source.Live())
	}
	if h.previews.Count("owner-1") != 0 {
		t.Fatalf("preview still alive after complete")
	}
	if len(h.completions) != 1 || h.completions[0].QuestionIndex != 2 || h.completions[0].RemoteAnswerID != "va_test" {
		t.Fatalf("completions = %+v", h.completions)
	}

	h.pumpUntil("advance", func(State) bool { return len(h.advanced) == 1 })
	if h.advanced[0] != 2 {
		t.Fatalf("advanced = %v", h.advanced)
	}
}

func TestSessionCeilingStopsRecording(t *testing.T) {
	h := newHarness(t, Config{MaxDuration: 120 * time.Millisecond}, 0)
	h.session.Start()
	h.pumpUntil("review after ceiling", phaseIs(PhaseReview))
	if st := h.session.State(); st.DurationSeconds < 1 || !st.HasArtifact {
		t.Fatalf("review state = %+v", st)
	}
}

func TestSessionUploadFailureKeepsArtifactForRetry(t *testing.T) {
	h := newHarness(t, Config{}, 1)
	h.session.Start()
	h.pumpUntil("recording", phaseIs(PhaseRecording))
	h.session.Handle(Event{Kind: EventStopRequested})
	h.pumpUntil("review", phaseIs(PhaseReview))
	handle := h.session.State().PreviewHandle

	h.session.Handle(Event{Kind: EventAccept})
	h.pumpUntil("failed review", func(s State) bool { return s.Phase == PhaseReview && s.LastUploadFailed })
	if got := h.session.State().PreviewHandle; got != handle {
		t.Fatalf("preview handle changed after failed upload: %q -> %q", handle, got)
	}
	if len(h.completions) != 0 {
		t.Fatalf("answer recorded for a failed upload")
	}

	h.session.Handle(Event{Kind: EventAccept})
	h.pumpUntil("complete", phaseIs(PhaseComplete))
	sizes := h.uploader.uploadedSizes()
	if len(sizes) != 2 || sizes[0] != sizes[1] || sizes[0] == 0 {
		t.Fatalf("upload sizes = %v, want the same artifact twice", sizes)
	}
}

func TestSessionRerecordReplacesPreview(t *testing.T) {
	h := newHarness(t, Config{AllowRetakes: true}, 0)
	h.session.Start()
	h.pumpUntil("recording", phaseIs(PhaseRecording))
	h.session.Handle(Event{Kind: EventStopRequested})
	h.pumpUntil("review", phaseIs(PhaseReview))
	first := h.session.State().PreviewHandle

	h.session.Handle(Event{Kind: EventRerecord})
	if _, _, err := h.previews.Open("owner-1", first); !errors.Is(err, preview.ErrNotFound) {
		t.Fatalf("old preview still readable: %v", err)
	}
	h.pumpUntil("recording again", phaseIs(PhaseRecording))
	h.session.Handle(Event{Kind: EventStopRequested})
	h.pumpUntil("review again", phaseIs(PhaseReview))
	if second := h.session.State().PreviewHandle; second == "" || second == first {
		t.Fatalf("preview handle = %q, want a fresh one", second)
	}
	if h.source.Opened() != 1 {
		t.Fatalf("streams opened = %d, rerecord must reuse the stream", h.source.Opened())
	}
}

func TestSessionTeardownStopsTimersAndReleasesDevice(t *testing.T) {
	h := newHarness(t, Config{ThinkSeconds: 30}, 0)
	h.session.Start()
	h.pumpUntil("prep", phaseIs(PhasePrep))

	h.session.Close()
	if h.source.Live() != 0 {
		t.Fatalf("live streams after teardown = %d", h.source.Live())
	}

	// Anything still in flight must be dropped.
	timeout := time.After(1200 * time.Millisecond)
	for {
		select {
		case env := <-h.events:
			env.Session.Handle(env.Event)
			if h.session.State().Phase != PhaseClosed {
				t.Fatalf("event %s revived a closed session", env.Event.Kind)
			}
		case <-timeout:
			return
		}
	}
}

func TestSessionLateDeviceIsReleased(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	h.source = device.NewSyntheticSource(device.SyntheticOptions{OpenDelay: 50 * time.Millisecond})
	h.devices = device.NewManager(h.source, device.DefaultConstraints(), nil, logging.Discard())
	h.session.deps.Devices = h.devices

	h.session.Start()
	h.session.Close()

	deadline := time.After(2 * time.Second)
	for h.source.Opened() == 0 || h.source.Live() != 0 {
		select {
		case env := <-h.events:
			env.Session.Handle(env.Event)
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("late stream not released: opened=%d live=%d", h.source.Opened(), h.source.Live())
		}
	}
}
