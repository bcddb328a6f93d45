package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/protocol"
)

const remoteChunkBuffer = 1024

var errConnectionClosed = errors.New("candidate connection closed")

// remoteSource is a device.Source backed by the candidate's browser. Opening
// a stream sends device_request and waits for device_granted or
// device_denied; encoders map onto the browser's MediaRecorder through
// recorder_start and recorder_stop, with chunks coming back as
// client_media_chunk.
type remoteSource struct {
	sessionID string
	outbound  chan<- any
	done      <-chan struct{}
	metrics   *observability.Metrics

	mu       sync.Mutex
	pending  map[string]chan any
	streams  map[string]*remoteStream
	encoders map[string]*remoteEncoder
}

func newRemoteSource(sessionID string, outbound chan<- any, done <-chan struct{}, metrics *observability.Metrics) *remoteSource {
	return &remoteSource{
		sessionID: sessionID,
		outbound:  outbound,
		done:      done,
		metrics:   metrics,
		pending:   make(map[string]chan any),
		streams:   make(map[string]*remoteStream),
		encoders:  make(map[string]*remoteEncoder),
	}
}

func (s *remoteSource) Open(ctx context.Context, c device.Constraints) (device.Stream, error) {
	requestID := uuid.NewString()
	reply := make(chan any, 1)
	s.mu.Lock()
	s.pending[requestID] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	ok := s.send(protocol.DeviceRequest{
		Type:      protocol.TypeDeviceRequest,
		SessionID: s.sessionID,
		RequestID: requestID,
		Constraints: protocol.Constraints{
			Width:      c.Width,
			Height:     c.Height,
			FacingMode: c.FacingMode,
			Audio:      c.Audio,
		},
	})
	if !ok {
		return nil, &device.Error{Kind: device.ErrorUnavailable, Err: errConnectionClosed}
	}

	select {
	case msg := <-reply:
		switch m := msg.(type) {
		case protocol.DeviceGranted:
			return s.attach(m), nil
		case protocol.DeviceDenied:
			return nil, &device.Error{Kind: deniedKind(m.Kind), Err: errors.New(m.Detail)}
		}
		return nil, &device.Error{Kind: device.ErrorUnavailable}
	case <-ctx.Done():
		s.abandon(requestID, reply)
		return nil, ctx.Err()
	case <-s.done:
		return nil, &device.Error{Kind: device.ErrorUnavailable, Err: errConnectionClosed}
	}
}

// abandon drops a pending request. A grant already queued on reply is
// released here; one that arrives later is released by deliver.
func (s *remoteSource) abandon(requestID string, reply chan any) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
	select {
	case msg := <-reply:
		if m, ok := msg.(protocol.DeviceGranted); ok {
			s.metrics.DeviceEvent("late_grant_released")
			s.send(protocol.DeviceRelease{Type: protocol.TypeDeviceRelease, SessionID: s.sessionID, StreamID: m.StreamID})
		}
	default:
	}
}

func deniedKind(kind string) device.ErrorKind {
	switch device.ErrorKind(kind) {
	case device.ErrorPermissionDenied, device.ErrorNotFound:
		return device.ErrorKind(kind)
	}
	return device.ErrorUnavailable
}

// deliver routes a device or media message from the read loop. It reports
// false for messages that are not addressed to the source.
func (s *remoteSource) deliver(msg any) bool {
	switch m := msg.(type) {
	case protocol.DeviceGranted:
		s.mu.Lock()
		reply, ok := s.pending[m.RequestID]
		delete(s.pending, m.RequestID)
		s.mu.Unlock()
		if !ok {
			s.metrics.DeviceEvent("late_grant_released")
			s.send(protocol.DeviceRelease{Type: protocol.TypeDeviceRelease, SessionID: s.sessionID, StreamID: m.StreamID})
			return true
		}
		reply <- m
	case protocol.DeviceDenied:
		s.mu.Lock()
		reply, ok := s.pending[m.RequestID]
		delete(s.pending, m.RequestID)
		s.mu.Unlock()
		if ok {
			reply <- m
		}
	case protocol.DeviceEnded:
		s.mu.Lock()
		st := s.streams[m.StreamID]
		s.mu.Unlock()
		if st != nil {
			s.metrics.DeviceEvent("ended_by_client")
			st.end(false)
		}
	case protocol.ClientMediaChunk:
		s.mu.Lock()
		enc := s.encoders[m.RecorderID]
		s.mu.Unlock()
		if enc == nil {
			return true
		}
		var data []byte
		if m.DataBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(m.DataBase64)
			if err != nil {
				s.metrics.DeviceEvent("chunk_decode_error")
				return true
			}
			data = decoded
		}
		enc.push(data, m.Final)
	default:
		return false
	}
	return true
}

// close ends every stream and encoder once the connection is gone.
func (s *remoteSource) close() {
	s.mu.Lock()
	streams := make([]*remoteStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		st.end(false)
	}
}

func (s *remoteSource) attach(m protocol.DeviceGranted) *remoteStream {
	tracks := make([]device.Track, 0, len(m.Tracks))
	for _, t := range m.Tracks {
		tracks = append(tracks, device.Track{Kind: t.Kind, Label: t.Label})
	}
	mime := m.MimeType
	if mime == "" {
		mime = "video/webm"
	}
	st := &remoteStream{src: s, id: m.StreamID, mimeType: mime, tracks: tracks, done: make(chan struct{})}
	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
	return st
}

func (s *remoteSource) send(msg any) bool {
	select {
	case s.outbound <- msg:
		return true
	case <-s.done:
		return false
	}
}

type remoteStream struct {
	src      *remoteSource
	id       string
	mimeType string
	tracks   []device.Track

	once sync.Once
	done chan struct{}
}

func (st *remoteStream) ID() string             { return st.id }
func (st *remoteStream) MimeType() string       { return st.mimeType }
func (st *remoteStream) Tracks() []device.Track { return append([]device.Track(nil), st.tracks...) }

func (st *remoteStream) Stop() { st.end(true) }

// end closes the stream once. notify tells the browser to stop its tracks;
// it is false when the browser already reported them ended.
func (st *remoteStream) end(notify bool) {
	st.once.Do(func() {
		close(st.done)
		src := st.src
		src.mu.Lock()
		delete(src.streams, st.id)
		var encoders []*remoteEncoder
		for id, enc := range src.encoders {
			if enc.stream == st {
				encoders = append(encoders, enc)
				delete(src.encoders, id)
			}
		}
		src.mu.Unlock()
		for _, enc := range encoders {
			enc.finish()
		}
		if notify {
			src.send(protocol.DeviceRelease{Type: protocol.TypeDeviceRelease, SessionID: src.sessionID, StreamID: st.id})
		}
	})
}

func (st *remoteStream) NewEncoder(timeslice time.Duration) (device.Encoder, error) {
	select {
	case <-st.done:
		return nil, device.ErrStreamReleased
	default:
	}
	if timeslice <= 0 {
		timeslice = time.Second
	}
	enc := &remoteEncoder{
		stream: st,
		id:     uuid.NewString(),
		chunks: make(chan []byte, remoteChunkBuffer),
	}
	src := st.src
	src.mu.Lock()
	src.encoders[enc.id] = enc
	src.mu.Unlock()

	if !src.send(protocol.RecorderStart{
		Type:        protocol.TypeRecorderStart,
		SessionID:   src.sessionID,
		StreamID:    st.id,
		RecorderID:  enc.id,
		TimesliceMS: timeslice.Milliseconds(),
	}) {
		src.mu.Lock()
		delete(src.encoders, enc.id)
		src.mu.Unlock()
		return nil, errConnectionClosed
	}
	return enc, nil
}

type remoteEncoder struct {
	stream *remoteStream
	id     string
	chunks chan []byte

	stopOnce sync.Once
	mu       sync.Mutex
	closed   bool
}

func (e *remoteEncoder) Chunks() <-chan []byte { return e.chunks }

// Stop asks the browser to flush; the channel closes when the final chunk
// arrives or the stream ends.
func (e *remoteEncoder) Stop() {
	e.stopOnce.Do(func() {
		src := e.stream.src
		src.send(protocol.RecorderStop{Type: protocol.TypeRecorderStop, SessionID: src.sessionID, RecorderID: e.id})
	})
}

func (e *remoteEncoder) push(data []byte, final bool) {
	e.mu.Lock()
	if !e.closed && len(data) > 0 {
		select {
		case e.chunks <- data:
		default:
			e.stream.src.metrics.DeviceEvent("chunk_dropped")
		}
	}
	e.mu.Unlock()
	if final {
		src := e.stream.src
		src.mu.Lock()
		delete(src.encoders, e.id)
		src.mu.Unlock()
		e.finish()
	}
}

func (e *remoteEncoder) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.chunks)
	}
}
