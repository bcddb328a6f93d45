// Package candidate tracks candidate sessions: one per invite token that is
// currently being worked on.
package candidate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamabayevs/corematch/internal/policy"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrEnded            = errors.New("session ended")
	ErrAlreadyConnected = errors.New("session already has a live connection")
)

type Session struct {
	ID             string    `json:"session_id"`
	TokenHint      string    `json:"token_hint"`
	Locale         string    `json:"locale,omitempty"`
	Status         Status    `json:"status"`
	Route          string    `json:"route"`
	QuestionIndex  int       `json:"question_index"`
	Connected      bool      `json:"connected"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`

	token string
}

// Token returns the raw invite token. It is never serialized.
func (s *Session) Token() string { return s.token }

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByToken    map[string]string
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout, retention time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByToken:    make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		retention:         retention,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// SetExpireHook registers a callback for sessions ended by the janitor.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create returns the active session for token, creating one when none
// exists. resumed is true when an existing session was returned.
func (m *Manager) Create(token, locale string) (s *Session, resumed bool) {
	token = strings.TrimSpace(token)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sessionByToken[token]; ok {
		if existing, ok := m.sessions[id]; ok && existing.Status == StatusActive {
			existing.LastActivityAt = now
			if locale != "" {
				existing.Locale = locale
			}
			return clone(existing), true
		}
	}

	s = &Session{
		ID:             uuid.NewString(),
		TokenHint:      policy.RedactToken(token),
		Locale:         locale,
		Status:         StatusActive,
		QuestionIndex:  -1,
		StartedAt:      now,
		LastActivityAt: now,
		token:          token,
	}
	m.sessions[s.ID] = s
	m.sessionByToken[token] = s.ID
	return clone(s), false
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetRoute records where the candidate currently is.
func (m *Manager) SetRoute(sessionID, route string, questionIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Route = route
	s.QuestionIndex = questionIndex
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Attach marks the session as having a live connection. Only one connection
// per session is allowed.
func (m *Manager) Attach(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	switch {
	case !ok:
		return nil, ErrNotFound
	case s.Status != StatusActive:
		return nil, ErrEnded
	case s.Connected:
		return nil, ErrAlreadyConnected
	}
	s.Connected = true
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Connected = false
		s.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	m.endLocked(s, time.Now().UTC())
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle sessions without a live connection and forgets
// ended sessions once retention has passed.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status == StatusEnded {
			if now.Sub(s.EndedAt) >= m.retention {
				delete(m.sessions, id)
			}
			continue
		}
		if s.Connected || now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(s, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(s *Session, now time.Time) {
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.LastActivityAt = now
	s.EndedAt = now
	if m.sessionByToken[s.token] == s.ID {
		delete(m.sessionByToken, s.token)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
