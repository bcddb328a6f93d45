package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/publicapi"
	"github.com/tamabayevs/corematch/internal/testsupport/backendstub"
)

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) add(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressLog) snapshot() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

func testArtifact(size int) capture.Artifact {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return capture.Artifact{ID: "art-1", MimeType: "video/webm", Data: data, Duration: 4 * time.Second}
}

func newCoordinator(backend *backendstub.Backend) *Coordinator {
	client := publicapi.NewClient(publicapi.Options{BaseURL: backend.URL(), Timeout: 5 * time.Second})
	return NewCoordinator(client, 5*time.Second, observability.NewMetrics("upload_test"), logging.Discard())
}

func TestUploadReportsMonotonicProgress(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()

	var progress progressLog
	res, err := newCoordinator(backend).Upload(context.Background(), backend.Token(), testArtifact(256<<10), 1, 4, progress.add)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.RemoteAnswerID == "" {
		t.Fatalf("RemoteAnswerID is empty")
	}

	got := progress.snapshot()
	if len(got) < 2 || got[0] != 0 || got[len(got)-1] != 100 {
		t.Fatalf("progress = %v, want 0..100", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("progress not increasing at %d: %v", i, got)
		}
		if got[i] == 100 && i != len(got)-1 {
			t.Fatalf("100 reported before the end: %v", got)
		}
	}

	uploads := backend.Uploads()
	if len(uploads) != 1 || uploads[0].QuestionIndex != 1 || uploads[0].DurationSeconds != 4 {
		t.Fatalf("uploads = %+v", uploads)
	}
}

func TestUploadFailureIsWrappedAndNotRetried(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{FailUploads: 1})
	defer backend.Close()

	var progress progressLog
	_, err := newCoordinator(backend).Upload(context.Background(), backend.Token(), testArtifact(1024), 0, 2, progress.add)
	if err == nil {
		t.Fatalf("Upload() error = nil, want failure")
	}
	var upErr *Error
	if !errors.As(err, &upErr) || upErr.QuestionIndex != 0 {
		t.Fatalf("error = %T %v, want *upload.Error", err, err)
	}
	if _, ok := publicapi.AsStatusError(err); !ok {
		t.Fatalf("status error not reachable through Unwrap: %v", err)
	}
	if n := len(backend.Uploads()); n != 1 {
		t.Fatalf("upload attempts = %d, want 1", n)
	}
	for _, v := range progress.snapshot() {
		if v == 100 {
			t.Fatalf("100%% reported for a failed upload")
		}
	}
}

func TestUploadRejectsEmptyArtifact(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()

	_, err := newCoordinator(backend).Upload(context.Background(), backend.Token(), capture.Artifact{}, 0, 1, nil)
	if !errors.Is(err, ErrEmptyArtifact) {
		t.Fatalf("Upload() error = %v, want ErrEmptyArtifact", err)
	}
	if n := len(backend.Uploads()); n != 0 {
		t.Fatalf("upload attempts = %d, want 0", n)
	}
}

func TestUploadHonoursCancellation(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCoordinator(backend).Upload(ctx, backend.Token(), testArtifact(512), 0, 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Upload() error = %v, want context.Canceled", err)
	}
}
