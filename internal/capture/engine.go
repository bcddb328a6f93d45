// Package capture records a live device stream into a single in-memory
// artifact while keeping the clock that enforces the recording ceiling.
package capture

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamabayevs/corematch/internal/device"
)

var (
	ErrAlreadyStarted = errors.New("capture engine already started; reset first")
	ErrNoStream       = errors.New("capture engine needs a live stream")
)

// Artifact is one finalized, playable recording.
type Artifact struct {
	ID         string
	StreamID   string
	MimeType   string
	Data       []byte
	ChunkCount int
	Duration   time.Duration
	CreatedAt  time.Time
	// Finalize is the wait between the stop and the encoder's last chunk.
	Finalize time.Duration
}

func (a Artifact) Size() int { return len(a.Data) }

// DurationSeconds rounds to whole seconds, never reporting 0 for a non-empty
// recording.
func (a Artifact) DurationSeconds() int {
	secs := int(math.Round(a.Duration.Seconds()))
	if secs == 0 && a.Duration > 0 {
		return 1
	}
	return secs
}

// StopReason tells whether the ceiling or the candidate ended a recording.
type StopReason string

const (
	StopManual StopReason = "manual"
	StopAuto   StopReason = "auto"
)

// Hooks run on the engine goroutine and must not block.
type Hooks struct {
	OnTick     func(elapsed, remaining time.Duration)
	OnStopping func(reason StopReason)
	OnArtifact func(Artifact)
}

type Options struct {
	// Timeslice is handed to the encoder; chunks arrive at least this often.
	Timeslice time.Duration
	// TickInterval drives elapsed reporting. Must be sub-second for a 1 Hz UI.
	TickInterval time.Duration
	// FinalizeTimeout bounds the wait for the encoder's final chunk.
	FinalizeTimeout time.Duration
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateFinished
)

// Engine is single-use between Resets: Start, then Stop (or the ceiling),
// then exactly one OnArtifact, then Reset before the next Start.
type Engine struct {
	opts Options

	mu        sync.Mutex
	state     state
	gen       uint64
	startedAt time.Time
	stoppedAt time.Time
	max       time.Duration
	stopOnce  *sync.Once
	stopCh    chan struct{}
	resetCh   chan struct{}
}

func NewEngine(opts Options) *Engine {
	if opts.Timeslice <= 0 || opts.Timeslice > time.Second {
		opts.Timeslice = time.Second
	}
	if opts.TickInterval <= 0 || opts.TickInterval >= time.Second {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 5 * time.Second
	}
	return &Engine{opts: opts}
}

// Start begins buffering encoded chunks from stream and starts the clock. The
// recording stops itself once maxDuration has elapsed.
func (e *Engine) Start(stream device.Stream, maxDuration time.Duration, hooks Hooks) error {
	if stream == nil {
		return ErrNoStream
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateIdle {
		return ErrAlreadyStarted
	}
	enc, err := stream.NewEncoder(e.opts.Timeslice)
	if err != nil {
		return err
	}

	e.gen++
	e.state = stateRunning
	e.startedAt = time.Now()
	e.stoppedAt = time.Time{}
	e.max = maxDuration
	e.stopOnce = &sync.Once{}
	e.stopCh = make(chan struct{})
	e.resetCh = make(chan struct{})

	go e.run(runParams{
		gen:      e.gen,
		enc:      enc,
		streamID: stream.ID(),
		mimeType: stream.MimeType(),
		start:    e.startedAt,
		max:      maxDuration,
		hooks:    hooks,
		stopCh:   e.stopCh,
		resetCh:  e.resetCh,
	})
	return nil
}

// Stop asks the recording to finalize. The artifact arrives asynchronously
// through Hooks.OnArtifact. Calling Stop when nothing is recording, or after
// the ceiling already stopped it, is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return
	}
	once, ch := e.stopOnce, e.stopCh
	once.Do(func() { close(ch) })
}

// Reset discards any buffered or in-flight recording and makes the engine
// startable again. The stream is left untouched; the caller owns it.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateRunning || e.state == stateStopping {
		close(e.resetCh)
	}
	e.gen++
	e.state = stateIdle
	e.startedAt = time.Time{}
	e.stoppedAt = time.Time{}
}

// Running reports whether the clock is still advancing.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// Elapsed returns recorded time so far; it freezes once stopping begins.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.startedAt.IsZero():
		return 0
	case !e.stoppedAt.IsZero():
		return e.stoppedAt.Sub(e.startedAt)
	default:
		return time.Since(e.startedAt)
	}
}

// Remaining returns max(0, ceiling - elapsed).
func (e *Engine) Remaining() time.Duration {
	el := e.Elapsed()
	e.mu.Lock()
	max := e.max
	e.mu.Unlock()
	return remaining(max, el)
}

func remaining(max, elapsed time.Duration) time.Duration {
	if elapsed >= max {
		return 0
	}
	return max - elapsed
}

type runParams struct {
	gen      uint64
	enc      device.Encoder
	streamID string
	mimeType string
	start    time.Time
	max      time.Duration
	hooks    Hooks
	stopCh   chan struct{}
	resetCh  chan struct{}
}

func (e *Engine) run(p runParams) {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	ceiling := time.NewTimer(p.max)
	defer ceiling.Stop()

	var (
		buf        bytes.Buffer
		chunkCount int
		stoppedAt  time.Time
		tickC      = ticker.C
		ceilingC   = ceiling.C
		stopCh     = p.stopCh
		finalizeC  <-chan time.Time
		chunks     = p.enc.Chunks()
	)

	beginStop := func(reason StopReason) {
		if !stoppedAt.IsZero() {
			return
		}
		stoppedAt = time.Now()
		if !e.markStopping(p.gen, stoppedAt) {
			return
		}
		tickC, ceilingC, stopCh = nil, nil, nil
		p.enc.Stop()
		finalizeC = time.After(e.opts.FinalizeTimeout)
		if p.hooks.OnStopping != nil {
			p.hooks.OnStopping(reason)
		}
	}

	finish := func() {
		d := stoppedAt.Sub(p.start)
		if d > p.max {
			d = p.max
		}
		now := time.Now()
		art := Artifact{
			ID:         uuid.NewString(),
			StreamID:   p.streamID,
			MimeType:   p.mimeType,
			Data:       append([]byte(nil), buf.Bytes()...),
			ChunkCount: chunkCount,
			Duration:   d,
			CreatedAt:  now.UTC(),
			Finalize:   now.Sub(stoppedAt),
		}
		if !e.markFinished(p.gen) {
			return
		}
		if p.hooks.OnArtifact != nil {
			p.hooks.OnArtifact(art)
		}
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// The encoder ended on its own when the tracks stopped.
				if stoppedAt.IsZero() {
					beginStop(StopManual)
				}
				finish()
				return
			}
			// Buffered as it arrives so a crash mid-answer keeps earlier slices.
			buf.Write(chunk)
			chunkCount++
		case <-tickC:
			elapsed := time.Since(p.start)
			if p.hooks.OnTick != nil {
				p.hooks.OnTick(elapsed, remaining(p.max, elapsed))
			}
			if elapsed >= p.max {
				beginStop(StopAuto)
			}
		case <-ceilingC:
			if p.hooks.OnTick != nil {
				p.hooks.OnTick(p.max, 0)
			}
			beginStop(StopAuto)
		case <-stopCh:
			beginStop(StopManual)
		case <-finalizeC:
			go drain(chunks)
			finish()
			return
		case <-p.resetCh:
			p.enc.Stop()
			go drain(chunks)
			return
		}
	}
}

func (e *Engine) markStopping(gen uint64, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.state != stateRunning {
		return false
	}
	e.state = stateStopping
	e.stoppedAt = at
	return true
}

func (e *Engine) markFinished(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return false
	}
	e.state = stateFinished
	return true
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}
