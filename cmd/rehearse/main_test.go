package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tamabayevs/corematch/internal/app"
	"github.com/tamabayevs/corematch/internal/config"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/testsupport/backendstub"
)

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://gateway.example/base/", "abc")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if want := "wss://gateway.example/base/v1/candidate/ws?session_id=abc"; got != want {
		t.Fatalf("wsURLForSession() = %q, want %q", got, want)
	}
	if _, err := wsURLForSession("ftp://gateway.example", "abc"); err == nil {
		t.Fatalf("wsURLForSession() accepted ftp scheme")
	}
}

func TestNormalizeRequiresToken(t *testing.T) {
	cfg := options{baseURL: "http://127.0.0.1:8080", chunkBytes: 2048}
	if _, err := cfg.normalize(1000, 60000); err == nil {
		t.Fatalf("normalize() accepted an empty token")
	}
	cfg.token = " tok "
	got, err := cfg.normalize(-5, 10)
	if err != nil {
		t.Fatalf("normalize() error = %v", err)
	}
	if got.token != "tok" || got.answerFor != 0 || got.timeout != time.Second {
		t.Fatalf("normalize() = %+v", got)
	}
}

func TestRehearseFullAttempt(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{
		Invite:      backendstub.DefaultInvite(2, 0, 60, true),
		FailUploads: 1,
	})
	defer backend.Close()

	built, err := app.Build(context.Background(), config.Config{
		SessionInactivityTimeout: time.Minute,
		SessionRetention:         time.Minute,
		MetricsNamespace:         "rehearse_test",
		CandidateLocale:          "en",
		BackendBaseURL:           backend.URL(),
		BackendTimeout:           5 * time.Second,
		UploadTimeout:            5 * time.Second,
		DeviceSource:             "remote",
		DeviceAcquireTimeout:     2 * time.Second,
		CaptureTimeslice:         20 * time.Millisecond,
		CaptureFinalizeTimeout:   2 * time.Second,
		CompleteAdvanceDelay:     10 * time.Millisecond,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("app.Build() error = %v", err)
	}
	defer built.Cleanup()
	gateway := httptest.NewServer(built.API.Router())
	defer gateway.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	rep, err := run(ctx, options{
		baseURL:       gateway.URL,
		token:         backend.Token(),
		answerFor:     60 * time.Millisecond,
		chunkBytes:    256,
		uploadRetries: 1,
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if rep.Answered != 2 || rep.ReferenceID != "REF-0001" || rep.Partial {
		t.Fatalf("report = %+v", rep)
	}

	uploads := backend.Uploads()
	if len(uploads) != 3 {
		t.Fatalf("uploads = %d, want 3 (one failed attempt plus two answers)", len(uploads))
	}
	for _, up := range uploads {
		if up.Size == 0 {
			t.Fatalf("empty upload: %+v", up)
		}
	}
	if got := backend.Submits(); len(got) != 1 || got[0] {
		t.Fatalf("submits = %v", got)
	}
}
