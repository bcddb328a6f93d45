package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tamabayevs/corematch/internal/logging"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) observe(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestManagerAcquireRelease(t *testing.T) {
	src := NewSyntheticSource(SyntheticOptions{})
	log := &eventLog{}
	m := NewManager(src, DefaultConstraints(), log.observe, logging.Discard())

	s, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(s.Tracks()) != 2 {
		t.Fatalf("tracks = %+v, want video+audio", s.Tracks())
	}
	if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrStreamBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrStreamBusy", err)
	}

	m.Release(s)
	m.Release(s)
	if src.Live() != 0 {
		t.Fatalf("Live() = %d, want 0", src.Live())
	}
	if m.Active() != nil {
		t.Fatalf("Active() should be nil after release")
	}

	s2, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	m.ReleaseAll()
	if src.Live() != 0 || src.Opened() != 2 {
		t.Fatalf("Live() = %d Opened() = %d", src.Live(), src.Opened())
	}
	_ = s2

	got := log.snapshot()
	want := []string{"acquired", "released", "acquired", "released"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestManagerReleasesStreamResolvedAfterCancel(t *testing.T) {
	src := NewSyntheticSource(SyntheticOptions{OpenDelay: 40 * time.Millisecond})
	log := &eventLog{}
	m := NewManager(src, DefaultConstraints(), log.observe, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx)
		done <- err
	}()
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
	if src.Opened() != 1 || src.Live() != 0 {
		t.Fatalf("Opened() = %d Live() = %d, want 1/0", src.Opened(), src.Live())
	}
	if m.Active() != nil {
		t.Fatalf("abandoned stream must not become active")
	}
	if got := log.snapshot(); len(got) != 1 || got[0] != "abandoned" {
		t.Fatalf("events = %v, want [abandoned]", got)
	}
}

func TestManagerPermissionDenied(t *testing.T) {
	src := NewSyntheticSource(SyntheticOptions{Fail: &Error{Kind: ErrorPermissionDenied}})
	m := NewManager(src, DefaultConstraints(), nil, logging.Discard())

	_, err := m.Acquire(context.Background())
	if KindOf(err) != ErrorPermissionDenied {
		t.Fatalf("KindOf(%v) = %q", err, KindOf(err))
	}
	if KindOf(errors.New("x")) != ErrorUnavailable {
		t.Fatalf("unclassified errors should be unavailable")
	}
}

func TestSyntheticEncoderFlushesOnStop(t *testing.T) {
	src := NewSyntheticSource(SyntheticOptions{ChunkSize: 64})
	s, err := src.Open(context.Background(), DefaultConstraints())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Stop()

	enc, err := s.NewEncoder(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	time.Sleep(35 * time.Millisecond)
	enc.Stop()

	var chunks [][]byte
	for c := range enc.Chunks() {
		chunks = append(chunks, c)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want timesliced chunks plus final flush", len(chunks))
	}
	if chunks[0][0] != 0x1A || chunks[0][1] != 0x45 {
		t.Fatalf("first chunk missing container magic: % x", chunks[0][:4])
	}

	s.Stop()
	if _, err := s.NewEncoder(time.Second); !errors.Is(err, ErrStreamReleased) {
		t.Fatalf("NewEncoder() after Stop error = %v, want ErrStreamReleased", err)
	}
}
