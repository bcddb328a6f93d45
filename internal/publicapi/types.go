package publicapi

import (
	"sort"
	"time"
)

// Candidate is the invitee as the backend knows them.
type Candidate struct {
	FullName     string `json:"full_name"`
	ConsentGiven bool   `json:"consent_given"`
}

// Campaign carries the recording policy for every question of the attempt.
type Campaign struct {
	JobTitle            string `json:"job_title"`
	CompanyName         string `json:"company_name"`
	MaxRecordingSeconds int    `json:"max_recording_seconds"`
	AllowRetakes        bool   `json:"allow_retakes"`
}

type Question struct {
	Index            int    `json:"index"`
	Text             string `json:"text"`
	ThinkTimeSeconds int    `json:"think_time_seconds"`
}

// InviteContext is the resolved invite. It is never mutated after load; a
// fresh fetch replaces it as a whole.
type InviteContext struct {
	Candidate       Candidate  `json:"candidate"`
	Campaign        Campaign   `json:"campaign"`
	Questions       []Question `json:"questions"`
	InviteExpiresAt time.Time  `json:"invite_expires_at"`
}

// Question returns the question with the given index.
func (c InviteContext) Question(index int) (Question, bool) {
	for _, q := range c.Questions {
		if q.Index == index {
			return q, true
		}
	}
	return Question{}, false
}

func (c InviteContext) normalized() InviteContext {
	out := c
	out.Questions = append([]Question(nil), c.Questions...)
	sort.SliceStable(out.Questions, func(i, j int) bool {
		return out.Questions[i].Index < out.Questions[j].Index
	})
	for i := range out.Questions {
		if out.Questions[i].ThinkTimeSeconds < 0 {
			out.Questions[i].ThinkTimeSeconds = 0
		}
	}
	return out
}

// UploadRequest is one finalized answer artifact.
type UploadRequest struct {
	Video           []byte
	MimeType        string
	QuestionIndex   int
	DurationSeconds int
}

type UploadResponse struct {
	VideoAnswerID string `json:"video_answer_id"`
}

type SubmitResponse struct {
	ReferenceID    string `json:"reference_id"`
	UploadedCount  int    `json:"uploaded_count"`
	TotalQuestions int    `json:"total_questions"`
}

// ProgressFunc receives bytes sent so far and the request size.
type ProgressFunc func(sent, total int64)
