package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageTargetsP95MS are the p95 budgets the candidate should not feel. Upload
// is judged per megabyte because its wall time scales with the answer length.
var stageTargetsP95MS = map[string]float64{
	StageInviteResolve:   800,
	StageDeviceAcquire:   4000,
	StageCaptureFinalize: 1500,
	StageUploadPerMB:     3000,
	StageSubmit:          2000,
}

// StageStats summarises recent latencies of one pipeline stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
	Breached    bool    `json:"breached"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	MaxAge      string       `json:"max_age"`
	Stages      []StageStats `json:"stages"`
	Breached    []string     `json:"breached,omitempty"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

type stageSample struct {
	ms float64
	at time.Time
}

// stageWindow keeps, per stage, the newest maxSamples observations that are
// younger than maxAge. Attempts are minutes long, so an hour-old upload says
// nothing about the pipeline a candidate is using now.
type stageWindow struct {
	mu         sync.Mutex
	maxSamples int
	maxAge     time.Duration
	now        func() time.Time
	samples    map[string][]stageSample
	indicators map[string]int
}

func newStageWindow(maxSamples int, maxAge time.Duration) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &stageWindow{
		maxSamples: maxSamples,
		maxAge:     maxAge,
		now:        time.Now,
		samples:    make(map[string][]stageSample),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) observe(stage string, ms float64) {
	stage = strings.TrimSpace(stage)
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	list := append(w.samples[stage], stageSample{ms: ms, at: w.now()})
	if over := len(list) - w.maxSamples; over > 0 {
		list = append(list[:0], list[over:]...)
	}
	w.samples[stage] = list
}

func (w *stageWindow) indicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	snap := StageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.maxSamples,
		MaxAge:      w.maxAge.String(),
	}

	for _, name := range sortedKeys(w.samples) {
		list := w.prune(name, now)
		if len(list) == 0 {
			continue
		}
		stats := summarize(name, list)
		if stats.Breached {
			snap.Breached = append(snap.Breached, name)
		}
		snap.Stages = append(snap.Stages, stats)
	}

	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// prune drops samples older than maxAge. Samples are kept in arrival order.
func (w *stageWindow) prune(stage string, now time.Time) []stageSample {
	list := w.samples[stage]
	cut := 0
	for cut < len(list) && now.Sub(list[cut].at) > w.maxAge {
		cut++
	}
	if cut == len(list) {
		delete(w.samples, stage)
		return nil
	}
	if cut > 0 {
		list = append(list[:0], list[cut:]...)
		w.samples[stage] = list
	}
	return list
}

func summarize(stage string, list []stageSample) StageStats {
	values := make([]float64, len(list))
	sum := 0.0
	for i, s := range list {
		values[i] = s.ms
		sum += s.ms
	}
	slices.Sort(values)

	stats := StageStats{
		Stage:   stage,
		Samples: len(values),
		LastMS:  round2(list[len(list)-1].ms),
		AvgMS:   round2(sum / float64(len(values))),
		P50MS:   round2(quantile(values, 0.50)),
		P95MS:   round2(quantile(values, 0.95)),
		MaxMS:   round2(values[len(values)-1]),
	}
	if target, ok := stageTargetsP95MS[stage]; ok {
		stats.TargetP95MS = target
		for _, v := range values {
			if v > target {
				stats.OverTarget++
			}
		}
		stats.Breached = stats.P95MS > target
	}
	return stats
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// quantile interpolates linearly between closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
