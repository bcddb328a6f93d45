package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics("corematch_test")
	m.UploadOutcome("succeeded", 2048)
	m.PhaseTransition("review", "uploading")
	m.ObserveStage(StageUpload, 1500*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`corematch_test_uploads_total{outcome="succeeded"} 1`,
		`corematch_test_upload_bytes_total 2048`,
		`corematch_test_recording_phase_transitions_total{from="review",to="uploading"} 1`,
		`corematch_test_upload_duration_seconds_count 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SessionEvent("created")
	m.UploadOutcome("failed", 0)
	m.ObserveStage(StageSubmit, time.Second)
	m.ObserveUpload(time.Second, 1024)
	m.ObserveIndicator("x")
	if snap := m.PipelineSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil snapshot stages = %+v", snap.Stages)
	}
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	_ = NewMetrics("same")
	_ = NewMetrics("same")
}
