package preview

import (
	"errors"
	"testing"

	"github.com/tamabayevs/corematch/internal/capture"
)

func TestStoreScopesHandlesToOwner(t *testing.T) {
	s := NewStore()
	h := s.Create("sess-a", capture.Artifact{ID: "art-1", Data: []byte("x")})

	art, _, err := s.Open("sess-a", h)
	if err != nil || art.ID != "art-1" {
		t.Fatalf("Open() = %+v, %v", art, err)
	}
	if _, _, err := s.Open("sess-b", h); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Open() error = %v, want ErrNotFound", err)
	}

	s.Revoke(h)
	s.Revoke(h)
	if s.Count("sess-a") != 0 {
		t.Fatalf("Count() = %d after revoke", s.Count("sess-a"))
	}
}

func TestRevokeOwner(t *testing.T) {
	s := NewStore()
	s.Create("a", capture.Artifact{})
	s.Create("a", capture.Artifact{})
	s.Create("b", capture.Artifact{})
	if n := s.RevokeOwner("a"); n != 2 {
		t.Fatalf("RevokeOwner() = %d, want 2", n)
	}
	if s.Count("b") != 1 {
		t.Fatalf("Count(b) = %d, want 1", s.Count("b"))
	}
}
