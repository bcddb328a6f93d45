package interview

import (
	"time"

	"github.com/tamabayevs/corematch/internal/publicapi"
)

type Route string

const (
	RouteWelcome          Route = "welcome"
	RouteConsent          Route = "consent"
	RouteCameraCheck      Route = "camera-check"
	RouteRecord           Route = "record"
	RouteReviewAll        Route = "review-all"
	RouteSubmit           Route = "submit"
	RouteConfirmation     Route = "confirmation"
	RouteExpired          Route = "expired"
	RouteAlreadySubmitted Route = "already-submitted"
	RouteError            Route = "error"
)

type WelcomeView struct {
	CandidateName       string    `json:"candidate_name"`
	JobTitle            string    `json:"job_title"`
	CompanyName         string    `json:"company_name"`
	QuestionCount       int       `json:"question_count"`
	MaxRecordingSeconds int       `json:"max_recording_seconds"`
	AllowRetakes        bool      `json:"allow_retakes"`
	ConsentGiven        bool      `json:"consent_given"`
	Answered            int       `json:"answered"`
	InviteExpiresAt     time.Time `json:"invite_expires_at"`
}

type CameraCheckView struct {
	Status      string `json:"status"`
	StreamID    string `json:"stream_id,omitempty"`
	DeviceError string `json:"device_error,omitempty"`
}

type RecordView struct {
	Question            publicapi.Question `json:"question"`
	Position            int                `json:"position"`
	Total               int                `json:"total"`
	MaxRecordingSeconds int                `json:"max_recording_seconds"`
	AllowRetakes        bool               `json:"allow_retakes"`
	PreviouslyAnswered  bool               `json:"previously_answered"`
}

type ReviewItem struct {
	QuestionIndex   int    `json:"question_index"`
	Text            string `json:"text"`
	Uploaded        bool   `json:"uploaded"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	// Locked answers cannot be re-recorded because the campaign has no retakes.
	Locked bool `json:"locked"`
}

type ReviewView struct {
	Items       []ReviewItem `json:"items"`
	Total       int          `json:"total"`
	Uploaded    int          `json:"uploaded"`
	AllRecorded bool         `json:"all_recorded"`
	SubmitError string       `json:"submit_error,omitempty"`
}

type ErrorView struct {
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

func welcomeView(inv publicapi.InviteContext, answers *Answers) WelcomeView {
	v := WelcomeView{
		CandidateName:       inv.Candidate.FullName,
		JobTitle:            inv.Campaign.JobTitle,
		CompanyName:         inv.Campaign.CompanyName,
		QuestionCount:       len(inv.Questions),
		MaxRecordingSeconds: inv.Campaign.MaxRecordingSeconds,
		AllowRetakes:        inv.Campaign.AllowRetakes,
		ConsentGiven:        inv.Candidate.ConsentGiven,
		InviteExpiresAt:     inv.InviteExpiresAt,
	}
	if answers != nil {
		v.Answered = answers.Uploaded()
	}
	return v
}

func reviewView(inv publicapi.InviteContext, answers *Answers) ReviewView {
	v := ReviewView{Total: len(inv.Questions)}
	for _, q := range inv.Questions {
		item := ReviewItem{QuestionIndex: q.Index, Text: q.Text}
		if ans, ok := answers.Get(q.Index); ok && ans.Uploaded {
			item.Uploaded = true
			item.DurationSeconds = ans.DurationSeconds
			item.Locked = !inv.Campaign.AllowRetakes
		}
		v.Items = append(v.Items, item)
	}
	v.Uploaded = answers.Uploaded()
	v.AllRecorded = answers.AllRecorded()
	return v
}
