package publicapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TerminalDetails are the fields the backend attaches to 409/410 answers so
// the candidate can be shown who invited them.
type TerminalDetails struct {
	JobTitle     string `json:"job_title,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	ReferenceID  string `json:"reference_id,omitempty"`
}

// StatusError is a non-2xx backend answer.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details TerminalDetails
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend status %d", e.Status)
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.Status }

// IsExpired reports a 410 from the backend.
func IsExpired(err error) bool {
	return statusOf(err) == http.StatusGone
}

// IsAlreadySubmitted reports a 409 from the backend.
func IsAlreadySubmitted(err error) bool {
	return statusOf(err) == http.StatusConflict
}

// AsStatusError unwraps err into a *StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func statusOf(err error) int {
	if se, ok := AsStatusError(err); ok {
		return se.Status
	}
	return 0
}

type errorBody struct {
	TerminalDetails
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func decodeStatusError(status int, body []byte) *StatusError {
	out := &StatusError{Status: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		out.Message = strings.TrimSpace(string(body))
		return out
	}
	out.Details = eb.TerminalDetails
	out.Code = eb.Code
	out.Message = firstNonEmpty(eb.Message, eb.Error)

	// FastAPI style backends nest the payload under "detail", either as a
	// string or as an object carrying the same fields.
	if len(eb.Detail) > 0 {
		var detailText string
		if err := json.Unmarshal(eb.Detail, &detailText); err == nil {
			out.Message = firstNonEmpty(out.Message, detailText)
		} else {
			var nested errorBody
			if err := json.Unmarshal(eb.Detail, &nested); err == nil {
				out.Code = firstNonEmpty(out.Code, nested.Code)
				out.Message = firstNonEmpty(out.Message, nested.Message, nested.Error)
				out.Details = mergeDetails(out.Details, nested.TerminalDetails)
			}
		}
	}
	return out
}

func mergeDetails(a, b TerminalDetails) TerminalDetails {
	return TerminalDetails{
		JobTitle:     firstNonEmpty(a.JobTitle, b.JobTitle),
		CompanyName:  firstNonEmpty(a.CompanyName, b.CompanyName),
		ContactEmail: firstNonEmpty(a.ContactEmail, b.ContactEmail),
		ReferenceID:  firstNonEmpty(a.ReferenceID, b.ReferenceID),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
