package submission

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/publicapi"
	"github.com/tamabayevs/corematch/internal/testsupport/backendstub"
)

type liveAnswers struct{ complete atomic.Bool }

func (a *liveAnswers) AllRecorded() bool { return a.complete.Load() }

func newCoordinator(backend *backendstub.Backend, answers Answers, store journal.Store) *Coordinator {
	client := publicapi.NewClient(publicapi.Options{BaseURL: backend.URL(), Timeout: 5 * time.Second})
	return NewCoordinator(client, backend.Token(), answers, Options{SessionID: "sess-1", Journal: store, Logger: logging.Discard()})
}

func TestSubmitDerivesPartialFlagAtCallTime(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{SubmitStatus: http.StatusBadGateway})
	defer backend.Close()
	answers := &liveAnswers{}
	c := newCoordinator(backend, answers, nil)

	if _, err := c.Submit(context.Background()); err == nil {
		t.Fatalf("Submit() error = nil, want failure")
	}

	// The candidate finished recording between attempts.
	answers.complete.Store(true)
	backend.SetSubmitStatus(0)
	out, err := c.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if out.Route != RouteConfirmation || out.Confirmation.ReferenceID != "REF-0001" || out.Confirmation.Partial {
		t.Fatalf("outcome = %+v", out.Confirmation)
	}
	if got := backend.Submits(); len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("submit_partial flags = %v, want [true false]", got)
	}
}

func TestSubmitLatchesConfirmation(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()
	store := journal.NewInMemoryStore()
	c := newCoordinator(backend, &liveAnswers{}, store)

	first, err := c.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := c.Submit(context.Background())
	if err != nil || second.Confirmation != first.Confirmation {
		t.Fatalf("second Submit() = %+v, %v; want latched confirmation", second, err)
	}
	if n := len(backend.Submits()); n != 1 {
		t.Fatalf("submit calls = %d, want 1", n)
	}
	if latched, ok := c.Latched(); !ok || latched.Route != RouteConfirmation {
		t.Fatalf("Latched() = %+v, %v", latched, ok)
	}
	entries, _ := store.List(context.Background(), "sess-1", 0)
	if len(entries) != 1 || entries[0].Detail != "REF-0001" {
		t.Fatalf("journal = %+v", entries)
	}
}

func TestSubmitConflictRoutesToAlreadySubmitted(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()
	backend.Finalize()

	out, err := newCoordinator(backend, &liveAnswers{}, nil).Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v, want none for a conflict", err)
	}
	if out.Route != RouteAlreadySubmitted || out.AlreadySubmitted.ReferenceID != "REF-EXISTING" {
		t.Fatalf("outcome = %+v", out)
	}
}

type blockingClient struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingClient) Submit(ctx context.Context, _ string, _ bool) (publicapi.SubmitResponse, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return publicapi.SubmitResponse{ReferenceID: "REF-1"}, nil
	case <-ctx.Done():
		return publicapi.SubmitResponse{}, ctx.Err()
	}
}

func TestSubmitAllowsOneInFlight(t *testing.T) {
	client := &blockingClient{release: make(chan struct{})}
	c := NewCoordinator(client, "tok", &liveAnswers{}, Options{Logger: logging.Discard()})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Submit(context.Background()); err != nil {
			t.Errorf("first Submit() error = %v", err)
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for client.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.Submit(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("concurrent Submit() error = %v, want ErrInFlight", err)
	}
	close(client.release)
	wg.Wait()
	if n := client.calls.Load(); n != 1 {
		t.Fatalf("client calls = %d, want 1", n)
	}
}
