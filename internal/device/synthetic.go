package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// webmMagic opens the first chunk so artifacts sniff as video/webm.
var webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// SyntheticOptions shape a fake camera. The zero value opens instantly and
// emits 4 KiB per timeslice.
type SyntheticOptions struct {
	// OpenDelay emulates the permission prompt. Open does not observe ctx
	// during the delay, like a real platform prompt.
	OpenDelay time.Duration
	// Fail makes every Open fail with this error.
	Fail      error
	ChunkSize int
	MimeType  string
}

// SyntheticSource is a deterministic stand-in for a camera and microphone.
type SyntheticSource struct {
	opts   SyntheticOptions
	opened atomic.Int64
	live   atomic.Int64
}

func NewSyntheticSource(opts SyntheticOptions) *SyntheticSource {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4 << 10
	}
	if opts.MimeType == "" {
		opts.MimeType = "video/webm;codecs=vp8,opus"
	}
	return &SyntheticSource{opts: opts}
}

func (s *SyntheticSource) Open(_ context.Context, c Constraints) (Stream, error) {
	if s.opts.OpenDelay > 0 {
		time.Sleep(s.opts.OpenDelay)
	}
	if s.opts.Fail != nil {
		return nil, s.opts.Fail
	}
	s.opened.Add(1)
	s.live.Add(1)
	tracks := []Track{{Kind: "video", Label: "synthetic camera"}}
	if c.Audio {
		tracks = append(tracks, Track{Kind: "audio", Label: "synthetic microphone"})
	}
	return &syntheticStream{
		id:     uuid.NewString(),
		src:    s,
		tracks: tracks,
		done:   make(chan struct{}),
	}, nil
}

// Opened counts streams ever opened.
func (s *SyntheticSource) Opened() int { return int(s.opened.Load()) }

// Live counts streams opened and not yet stopped.
func (s *SyntheticSource) Live() int { return int(s.live.Load()) }

type syntheticStream struct {
	id     string
	src    *SyntheticSource
	tracks []Track
	once   sync.Once
	done   chan struct{}
}

func (st *syntheticStream) ID() string       { return st.id }
func (st *syntheticStream) MimeType() string { return st.src.opts.MimeType }
func (st *syntheticStream) Tracks() []Track  { return append([]Track(nil), st.tracks...) }

func (st *syntheticStream) Stop() {
	st.once.Do(func() {
		close(st.done)
		st.src.live.Add(-1)
	})
}

func (st *syntheticStream) NewEncoder(timeslice time.Duration) (Encoder, error) {
	select {
	case <-st.done:
		return nil, ErrStreamReleased
	default:
	}
	if timeslice <= 0 {
		timeslice = time.Second
	}
	enc := &syntheticEncoder{
		chunks: make(chan []byte, 64),
		stop:   make(chan struct{}),
	}
	go enc.run(st.done, timeslice, st.src.opts.ChunkSize)
	return enc, nil
}

type syntheticEncoder struct {
	chunks chan []byte
	stop   chan struct{}
	once   sync.Once
}

func (e *syntheticEncoder) Chunks() <-chan []byte { return e.chunks }

func (e *syntheticEncoder) Stop() {
	e.once.Do(func() { close(e.stop) })
}

func (e *syntheticEncoder) run(trackDone <-chan struct{}, timeslice time.Duration, size int) {
	defer close(e.chunks)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	seq := 0
	emit := func(n int) {
		chunk := make([]byte, n)
		for i := range chunk {
			chunk[i] = byte(seq + i)
		}
		if seq == 0 {
			copy(chunk, webmMagic)
		}
		seq++
		e.chunks <- chunk
	}

	for {
		select {
		case <-ticker.C:
			emit(size)
		case <-e.stop:
			// A recorder always flushes whatever it holds when stopped.
			emit(size/2 + len(webmMagic))
			return
		case <-trackDone:
			emit(size/2 + len(webmMagic))
			return
		}
	}
}
