package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tamabayevs/corematch/internal/logging"
)

// Observer receives acquisition lifecycle events (acquired, released,
// abandoned, failed). It must not block.
type Observer func(event string)

// Manager enforces the one-live-stream rule for a single candidate.
type Manager struct {
	source      Source
	constraints Constraints
	observe     Observer
	logger      *slog.Logger

	mu     sync.Mutex
	active Stream
	gen    uint64
}

func NewManager(source Source, constraints Constraints, observe Observer, logger *slog.Logger) *Manager {
	if observe == nil {
		observe = func(string) {}
	}
	return &Manager{
		source:      source,
		constraints: constraints,
		observe:     observe,
		logger:      logging.WithComponent(logger, "device"),
	}
}

// Acquire opens a new stream. It fails with ErrStreamBusy while another stream
// is held. When ctx is done by the time the platform resolves, or a newer
// Acquire has started meanwhile, the fresh stream is stopped immediately
// instead of being attached.
func (m *Manager) Acquire(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrStreamBusy
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	stream, err := m.source.Open(ctx, m.constraints)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.observe("failed")
		m.logger.Warn("device acquisition failed", "kind", KindOf(err), "error", err)
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil || gen != m.gen || m.active != nil {
		stream.Stop()
		m.observe("abandoned")
		m.logger.Info("device stream resolved after requester left; released", "stream_id", stream.ID())
		if ctxErr == nil {
			ctxErr = ErrSuperseded
		}
		return nil, ctxErr
	}
	m.active = stream
	m.observe("acquired")
	m.logger.Debug("device stream acquired", "stream_id", stream.ID())
	return stream, nil
}

// Release stops every track of s. Releasing a stream that is not the active
// one still stops it; releasing twice is a no-op.
func (m *Manager) Release(s Stream) {
	if s == nil {
		return
	}
	m.mu.Lock()
	wasActive := m.active != nil && m.active.ID() == s.ID()
	if wasActive {
		m.active = nil
	}
	m.mu.Unlock()

	s.Stop()
	if wasActive {
		m.observe("released")
		m.logger.Debug("device stream released", "stream_id", s.ID())
	}
}

// Active returns the held stream, if any.
func (m *Manager) Active() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ReleaseAll stops the active stream, if any. Used on connection teardown.
func (m *Manager) ReleaseAll() {
	m.Release(m.Active())
}
