// Package upload transmits finalized answer artifacts to the backend.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/policy"
	"github.com/tamabayevs/corematch/internal/publicapi"
)

var ErrEmptyArtifact = errors.New("artifact has no data")

// Error wraps every upload failure. Transport errors, server rejections and
// timeouts are deliberately not told apart: the candidate decides what to do.
type Error struct {
	QuestionIndex int
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload answer %d: %v", e.QuestionIndex, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is the slice of the backend API the coordinator needs.
type Client interface {
	UploadVideo(ctx context.Context, token string, req publicapi.UploadRequest, onProgress publicapi.ProgressFunc) (publicapi.UploadResponse, error)
}

type Result struct {
	RemoteAnswerID string
	Bytes          int
	Elapsed        time.Duration
}

// Coordinator runs single uploads. It never retries on its own.
type Coordinator struct {
	client  Client
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewCoordinator(client Client, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Coordinator{
		client:  client,
		timeout: timeout,
		metrics: metrics,
		logger:  logging.WithComponent(logger, "upload"),
	}
}

// Upload sends art for questionIndex. onProgress receives whole percentages
// that never decrease; 100 is reported only after the backend accepted the
// answer.
func (c *Coordinator) Upload(ctx context.Context, token string, art capture.Artifact, questionIndex, durationSeconds int, onProgress func(percent int)) (Result, error) {
	if art.Size() == 0 {
		c.metrics.UploadOutcome("failed", 0)
		return Result{}, &Error{QuestionIndex: questionIndex, Err: ErrEmptyArtifact}
	}

	progress := newMonotonic(onProgress)
	progress.report(0)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	res, err := c.client.UploadVideo(ctx, token, publicapi.UploadRequest{
		Video:           art.Data,
		MimeType:        art.MimeType,
		QuestionIndex:   questionIndex,
		DurationSeconds: durationSeconds,
	}, func(sent, total int64) {
		if total <= 0 {
			return
		}
		// Bytes on the wire are not an accepted answer yet.
		pct := int(sent * 100 / total)
		if pct > 99 {
			pct = 99
		}
		progress.report(pct)
	})
	elapsed := time.Since(started)
	c.metrics.ObserveUpload(elapsed, art.Size())

	if err != nil {
		c.metrics.UploadOutcome("failed", 0)
		c.metrics.ObserveIndicator("upload_failed")
		detail, _ := policy.RedactPII(err.Error())
		c.logger.Warn("answer upload failed",
			"question_index", questionIndex,
			"bytes", art.Size(),
			"elapsed_ms", elapsed.Milliseconds(),
			"error", detail,
		)
		return Result{}, &Error{QuestionIndex: questionIndex, Err: err}
	}

	progress.report(100)
	c.metrics.UploadOutcome("succeeded", art.Size())
	c.logger.Info("answer uploaded",
		"question_index", questionIndex,
		"video_answer_id", res.VideoAnswerID,
		"bytes", art.Size(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return Result{RemoteAnswerID: res.VideoAnswerID, Bytes: art.Size(), Elapsed: elapsed}, nil
}

// monotonic filters a progress stream so callers only ever see increases.
type monotonic struct {
	mu   sync.Mutex
	last int
	fn   func(int)
}

func newMonotonic(fn func(int)) *monotonic {
	return &monotonic{last: -1, fn: fn}
}

func (m *monotonic) report(pct int) {
	if m.fn == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pct <= m.last {
		return
	}
	m.last = pct
	m.fn(pct)
}
