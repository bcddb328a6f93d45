// Package preview hands out short-lived handles that let the candidate play
// back an artifact that has not been uploaded yet.
package preview

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamabayevs/corematch/internal/capture"
)

var ErrNotFound = errors.New("preview not found")

type entry struct {
	owner    string
	artifact capture.Artifact
	created  time.Time
}

// Store maps opaque handles to artifacts. Handles are scoped to an owner
// (the candidate session) so one session cannot read another's recording.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Create registers artifact and returns its handle.
func (s *Store) Create(owner string, artifact capture.Artifact) string {
	handle := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[handle] = entry{owner: owner, artifact: artifact, created: time.Now().UTC()}
	return handle
}

// Revoke releases a handle. Unknown handles are ignored.
func (s *Store) Revoke(handle string) {
	if handle == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, handle)
}

// RevokeOwner drops every handle of owner; used when a session ends.
func (s *Store) RevokeOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, e := range s.entries {
		if e.owner == owner {
			delete(s.entries, h)
			n++
		}
	}
	return n
}

// Open returns the artifact behind handle if owner holds it.
func (s *Store) Open(owner, handle string) (capture.Artifact, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[handle]
	if !ok || e.owner != owner {
		return capture.Artifact{}, time.Time{}, ErrNotFound
	}
	return e.artifact, e.created, nil
}

// Count returns live handles for owner.
func (s *Store) Count(owner string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.owner == owner {
			n++
		}
	}
	return n
}
