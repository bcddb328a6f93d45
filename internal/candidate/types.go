package candidate

import "time"

// CreateRequest starts (or resumes) a candidate session for an invite token.
type CreateRequest struct {
	Token  string `json:"token"`
	Locale string `json:"locale,omitempty"`
}

// CreateResponse returns the session together with the gate outcome.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	Route           string    `json:"route"`
	Resumed         bool      `json:"resumed"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	Outcome         any       `json:"outcome,omitempty"`
}
