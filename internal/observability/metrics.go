package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages tracked in the rolling latency window.
const (
	StageInviteResolve   = "invite_resolve"
	StageDeviceAcquire   = "device_acquire"
	StageCaptureFinalize = "capture_finalize"
	StageUpload          = "upload"
	StageUploadPerMB     = "upload_per_mb"
	StageSubmit          = "submit"
)

// Metrics groups all Prometheus instruments used by the gateway. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	pipeline *stageWindow

	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	PhaseTransitions   *prometheus.CounterVec
	DeviceEvents       *prometheus.CounterVec
	UploadOutcomes     *prometheus.CounterVec
	UploadBytes        prometheus.Counter
	UploadLatency      prometheus.Histogram
	SubmitOutcomes     *prometheus.CounterVec
	InviteOutcomes     *prometheus.CounterVec
	RecordingDurations prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pipeline: newStageWindow(256, 15*time.Minute),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active candidate sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Candidate session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_phase_transitions_total",
			Help:      "Recording state machine transitions by source and target phase.",
		}, []string{"from", "to"}),
		DeviceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device stream lifecycle events (acquired, released, abandoned, failed).",
		}, []string{"event"}),
		UploadOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Answer uploads by outcome.",
		}, []string{"outcome"}),
		UploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes of successfully uploaded answer artifacts.",
		}),
		UploadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Wall time of answer uploads.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}),
		SubmitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Attempt submissions by outcome.",
		}, []string{"outcome"}),
		InviteOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_resolutions_total",
			Help:      "Invite token resolutions by route.",
		}, []string{"route"}),
		RecordingDurations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Length of finalized answer recordings.",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
		}),
	}
}

// ObserveStage records a pipeline stage latency. Nil-safe.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipeline.observe(stage, float64(d.Microseconds())/1000)
	if stage == StageUpload {
		m.UploadLatency.Observe(d.Seconds())
	}
}

// ObserveUpload records an upload's wall time and its time per megabyte.
// Nil-safe.
func (m *Metrics) ObserveUpload(d time.Duration, bytes int) {
	if m == nil {
		return
	}
	m.ObserveStage(StageUpload, d)
	if bytes > 0 {
		ms := float64(d.Microseconds()) / 1000
		m.pipeline.observe(StageUploadPerMB, ms*(1<<20)/float64(bytes))
	}
}

// ObserveIndicator bumps a named counter in the latency snapshot. Nil-safe.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.pipeline.indicator(name)
}

func (m *Metrics) PipelineSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.pipeline.snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below tolerate a nil *Metrics so components can run without
// instrumentation in tests.

func (m *Metrics) SessionEvent(event string) {
	if m != nil {
		m.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m != nil {
		m.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}

func (m *Metrics) PhaseTransition(from, to string) {
	if m != nil {
		m.PhaseTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) DeviceEvent(event string) {
	if m != nil {
		m.DeviceEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) UploadOutcome(outcome string, bytes int) {
	if m == nil {
		return
	}
	m.UploadOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "succeeded" && bytes > 0 {
		m.UploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) SubmitOutcome(outcome string) {
	if m != nil {
		m.SubmitOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) InviteOutcome(route string) {
	if m != nil {
		m.InviteOutcomes.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) RecordingFinalized(d time.Duration) {
	if m != nil {
		m.RecordingDurations.Observe(d.Seconds())
	}
}
