package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tamabayevs/corematch/internal/device"
)

type collector struct {
	mu        sync.Mutex
	ticks     []time.Duration
	remaining []time.Duration
	reasons   []StopReason
	artifacts chan Artifact
}

func newCollector() *collector {
	return &collector{artifacts: make(chan Artifact, 4)}
}

func (c *collector) hooks() Hooks {
	return Hooks{
		OnTick: func(elapsed, remaining time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.ticks = append(c.ticks, elapsed)
			c.remaining = append(c.remaining, remaining)
		},
		OnStopping: func(reason StopReason) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.reasons = append(c.reasons, reason)
		},
		OnArtifact: func(a Artifact) { c.artifacts <- a },
	}
}

func (c *collector) wait(t *testing.T) Artifact {
	t.Helper()
	select {
	case a := <-c.artifacts:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("artifact was not delivered")
		return Artifact{}
	}
}

func openStream(t *testing.T) device.Stream {
	t.Helper()
	src := device.NewSyntheticSource(device.SyntheticOptions{ChunkSize: 128})
	s, err := src.Open(context.Background(), device.DefaultConstraints())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func testEngine() *Engine {
	return NewEngine(Options{
		Timeslice:       10 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
		FinalizeTimeout: 500 * time.Millisecond,
	})
}

func TestManualStopFinalizesArtifact(t *testing.T) {
	e := testEngine()
	c := newCollector()
	if err := e.Start(openStream(t), time.Second, c.hooks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	e.Stop()

	art := c.wait(t)
	if art.ChunkCount < 2 || art.Size() == 0 {
		t.Fatalf("artifact chunks = %d size = %d", art.ChunkCount, art.Size())
	}
	if art.Duration <= 0 || art.Duration >= time.Second {
		t.Fatalf("Duration = %v", art.Duration)
	}
	if art.DurationSeconds() != 1 {
		t.Fatalf("DurationSeconds() = %d, want 1 for a sub-second take", art.DurationSeconds())
	}
	if e.Running() {
		t.Fatalf("engine still running after artifact")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reasons) != 1 || c.reasons[0] != StopManual {
		t.Fatalf("reasons = %v, want [manual]", c.reasons)
	}
	for i := 1; i < len(c.remaining); i++ {
		if c.remaining[i] > c.remaining[i-1] {
			t.Fatalf("remaining increased: %v", c.remaining)
		}
	}
}

func TestCeilingStopsWithoutCaller(t *testing.T) {
	e := testEngine()
	c := newCollector()
	max := 60 * time.Millisecond
	if err := e.Start(openStream(t), max, c.hooks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	art := c.wait(t)
	if art.Duration != max && art.Duration < max-5*time.Millisecond {
		t.Fatalf("Duration = %v, want ~%v", art.Duration, max)
	}
	if art.Duration > max {
		t.Fatalf("Duration = %v exceeds ceiling %v", art.Duration, max)
	}
	if e.Remaining() != 0 {
		t.Fatalf("Remaining() = %v, want 0", e.Remaining())
	}

	// Stop after the ceiling fired is a no-op.
	e.Stop()
	select {
	case extra := <-c.artifacts:
		t.Fatalf("unexpected second artifact %s", extra.ID)
	case <-time.After(50 * time.Millisecond):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reasons) != 1 || c.reasons[0] != StopAuto {
		t.Fatalf("reasons = %v, want [auto]", c.reasons)
	}
}

func TestStartTwiceRequiresReset(t *testing.T) {
	e := testEngine()
	s := openStream(t)
	c := newCollector()
	if err := e.Start(s, time.Second, c.hooks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(s, time.Second, c.hooks()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	e.Stop()
	c.wait(t)
	if err := e.Start(s, time.Second, c.hooks()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Start() after finish error = %v, want ErrAlreadyStarted", err)
	}

	e.Reset()
	if e.Elapsed() != 0 {
		t.Fatalf("Elapsed() after Reset = %v", e.Elapsed())
	}
	if err := e.Start(s, time.Second, c.hooks()); err != nil {
		t.Fatalf("Start() after Reset error = %v", err)
	}
	e.Stop()
	c.wait(t)
}

func TestResetDiscardsInFlightRecording(t *testing.T) {
	e := testEngine()
	c := newCollector()
	if err := e.Start(openStream(t), time.Second, c.hooks()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	e.Reset()

	select {
	case a := <-c.artifacts:
		t.Fatalf("artifact %s delivered after Reset", a.ID)
	case <-time.After(80 * time.Millisecond):
	}
	if e.Running() {
		t.Fatalf("Running() = true after Reset")
	}
}

func TestStartOnReleasedStream(t *testing.T) {
	e := testEngine()
	s := openStream(t)
	s.Stop()
	if err := e.Start(s, time.Second, Hooks{}); !errors.Is(err, device.ErrStreamReleased) {
		t.Fatalf("Start() error = %v, want ErrStreamReleased", err)
	}
	if err := e.Start(nil, time.Second, Hooks{}); !errors.Is(err, ErrNoStream) {
		t.Fatalf("Start(nil) error = %v, want ErrNoStream", err)
	}
}
