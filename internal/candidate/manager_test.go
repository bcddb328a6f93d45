package candidate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateResumesActiveSessionForToken(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)
	s, resumed := m.Create("tok_valid_123456", "en")
	if s.ID == "" || resumed {
		t.Fatalf("Create() = %+v, resumed = %v", s, resumed)
	}
	if s.TokenHint == "tok_valid_123456" || s.Token() != "tok_valid_123456" {
		t.Fatalf("token handling: hint = %q token = %q", s.TokenHint, s.Token())
	}

	again, resumed := m.Create(" tok_valid_123456 ", "")
	if !resumed || again.ID != s.ID || again.Locale != "en" {
		t.Fatalf("second Create() = %+v, resumed = %v", again, resumed)
	}

	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	fresh, resumed := m.Create("tok_valid_123456", "en")
	if resumed || fresh.ID == s.ID {
		t.Fatalf("Create() after End reused session %s", fresh.ID)
	}
}

func TestManagerAttachAllowsOneConnection(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)
	s, _ := m.Create("tok", "")

	if _, err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyConnected", err)
	}
	m.Detach(s.ID)
	if _, err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() after Detach error = %v", err)
	}

	_, _ = m.End(s.ID)
	m.Detach(s.ID)
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Attach() on ended session error = %v, want ErrEnded", err)
	}
	if _, err := m.Attach("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerSetRoute(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)
	s, _ := m.Create("tok", "")
	if err := m.SetRoute(s.ID, "record", 2); err != nil {
		t.Fatalf("SetRoute() error = %v", err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Route != "record" || got.QuestionIndex != 2 {
		t.Fatalf("session = %+v", got)
	}
}

func TestManagerJanitorExpiresIdleAndPurgesEnded(t *testing.T) {
	m := NewManager(30*time.Millisecond, 60*time.Millisecond)
	idle, _ := m.Create("tok-idle", "")
	live, _ := m.Create("tok-live", "")
	if _, err := m.Attach(live.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, s.ID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	got, err := m.Get(live.ID)
	if err != nil || got.Status != StatusActive {
		t.Fatalf("connected session = %+v, %v; want active", got, err)
	}
	mu.Lock()
	if len(expired) != 1 || expired[0] != idle.ID {
		t.Fatalf("expired = %v, want [%s]", expired, idle.ID)
	}
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	if _, err := m.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(idle) error = %v, want ErrNotFound after retention", err)
	}
	if n := m.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", n)
	}
}
