// Package device owns camera and microphone streams. A Manager hands out at
// most one live stream at a time and guarantees that a stream resolved after
// its requester went away is stopped instead of leaked.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	ErrorPermissionDenied ErrorKind = "permission_denied"
	ErrorNotFound         ErrorKind = "not_found"
	ErrorUnavailable      ErrorKind = "unavailable"
)

var (
	ErrStreamBusy     = errors.New("a device stream is already active")
	ErrStreamReleased = errors.New("device stream already released")
	ErrSuperseded     = errors.New("device acquisition superseded by a newer request")
)

// Error is a failed acquisition. It is terminal for the attempt until the
// candidate explicitly retries.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s", e.Kind)
	}
	return fmt.Sprintf("device %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err, defaulting to ErrorUnavailable.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrorUnavailable
}

// Constraints are the hints passed to the platform when opening a stream.
type Constraints struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FacingMode string `json:"facing_mode"`
	Audio      bool   `json:"audio"`
}

func DefaultConstraints() Constraints {
	return Constraints{Width: 1280, Height: 720, FacingMode: "user", Audio: true}
}

type Track struct {
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

// Encoder turns a live stream into timesliced encoded chunks. The channel is
// closed once the final chunk after Stop has been delivered.
type Encoder interface {
	Chunks() <-chan []byte
	Stop()
}

type Stream interface {
	ID() string
	MimeType() string
	Tracks() []Track
	NewEncoder(timeslice time.Duration) (Encoder, error)
	// Stop ends every track. It is idempotent.
	Stop()
}

// Source opens platform streams. Open may resolve after ctx is done; the
// Manager handles that case.
type Source interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}
