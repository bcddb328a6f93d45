package journal

import (
	"context"
	"time"
)

type Kind string

const (
	KindInviteResolved  Kind = "invite_resolved"
	KindConsentRecorded Kind = "consent_recorded"
	KindPhaseChanged    Kind = "phase_changed"
	KindDeviceEvent     Kind = "device_event"
	KindUploadSucceeded Kind = "upload_succeeded"
	KindUploadFailed    Kind = "upload_failed"
	KindSubmitted       Kind = "submitted"
	KindSubmitFailed    Kind = "submit_failed"
	KindSessionEnded    Kind = "session_ended"
)

// NoQuestion marks an entry that is not tied to a question.
const NoQuestion = -1

// Entry is one line of a candidate attempt's audit trail. Detail never holds
// the raw invite token.
type Entry struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Kind          Kind      `json:"kind"`
	QuestionIndex int       `json:"question_index"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists and lists attempt journal entries.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
