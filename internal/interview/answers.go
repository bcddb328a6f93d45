package interview

import (
	"sort"
	"sync"
	"time"
)

// Answer is the recorded outcome for one question. A re-record that uploads
// successfully overwrites the previous answer for the same index.
type Answer struct {
	QuestionIndex    int       `json:"question_index"`
	HasLocalArtifact bool      `json:"has_local_artifact"`
	Uploaded         bool      `json:"uploaded"`
	RemoteAnswerID   string    `json:"remote_answer_id,omitempty"`
	DurationSeconds  int       `json:"duration_seconds"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Answers is keyed by question index. Only the connection loop writes it;
// the submission coordinator reads it from another goroutine.
type Answers struct {
	mu      sync.RWMutex
	indices []int
	byIdx   map[int]Answer
}

// NewAnswers tracks the questions with the given backend indices. Indices
// need not be contiguous.
func NewAnswers(indices []int) *Answers {
	a := &Answers{byIdx: make(map[int]Answer)}
	a.SetQuestions(indices)
	return a
}

// SetQuestions replaces the question set after an invite refresh. Answers
// for questions that are no longer asked stay stored but stop counting.
func (a *Answers) SetQuestions(indices []int) {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indices = sorted
}

func (a *Answers) Record(ans Answer) {
	if ans.RecordedAt.IsZero() {
		ans.RecordedAt = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byIdx[ans.QuestionIndex] = ans
}

// MarkLocal records whether an artifact for index is held in review. An
// uploaded answer keeps counting while a newer take is reviewed.
func (a *Answers) MarkLocal(index int, held bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ans, ok := a.byIdx[index]
	if !ok {
		if !held {
			return
		}
		ans = Answer{QuestionIndex: index}
	}
	ans.HasLocalArtifact = held
	a.byIdx[index] = ans
}

func (a *Answers) Get(index int) (Answer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ans, ok := a.byIdx[index]
	return ans, ok
}

// List returns answers sorted by question index.
func (a *Answers) List() []Answer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Answer, 0, len(a.byIdx))
	for _, ans := range a.byIdx {
		out = append(out, ans)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out
}

// Uploaded counts current questions whose answer the backend accepted.
func (a *Answers) Uploaded() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, idx := range a.indices {
		if a.byIdx[idx].Uploaded {
			n++
		}
	}
	return n
}

func (a *Answers) Total() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.indices)
}

// AllRecorded reports whether every question has an uploaded answer.
func (a *Answers) AllRecorded() bool {
	return a.FirstMissing() < 0
}

// FirstMissing returns the lowest question index without an uploaded
// answer, or -1.
func (a *Answers) FirstMissing() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, idx := range a.indices {
		if !a.byIdx[idx].Uploaded {
			return idx
		}
	}
	return -1
}
