package backendstub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Options describes how the fake backend should behave.
type Options struct {
	// Token is the only invite token the stub accepts; others get 404.
	Token string

	// Invite is returned by GET /public/invite/{token}. It is encoded as-is.
	Invite map[string]any

	// InviteStatus forces a non-200 answer (410, 409, 500...) with
	// InviteErrorBody as JSON payload.
	InviteStatus    int
	InviteErrorBody map[string]any

	// FailUploads causes the first N uploads to return HTTP 503.
	FailUploads int

	// SubmitStatus forces a non-200 submit answer.
	SubmitStatus int

	// InviteDelay holds GET /public/invite before answering.
	InviteDelay time.Duration
}

// Upload is one accepted or rejected video upload.
type Upload struct {
	QuestionIndex   int
	DurationSeconds int
	Size            int
	MimeType        string
	Status          int
}

// Backend hosts a single httptest.Server serving the public endpoints.
type Backend struct {
	server *httptest.Server
	opts   Options

	mu             sync.Mutex
	inviteCalls    int
	consentCalls   int
	uploads        []Upload
	submits        []bool
	uploadFailures int
	finalized      bool
	acceptLanguage []string
}

// Start spins up a new backend stub.
func Start(opts Options) *Backend {
	if opts.Token == "" {
		opts.Token = "tok_valid_123456"
	}
	if opts.Invite == nil {
		opts.Invite = DefaultInvite(3, 0, 60, true)
	}
	b := &Backend{opts: opts}

	r := chi.NewRouter()
	r.Get("/public/invite/{token}", b.handleInvite)
	r.Post("/public/consent/{token}", b.handleConsent)
	r.Post("/public/video-upload/{token}", b.handleUpload)
	r.Post("/public/submit/{token}", b.handleSubmit)
	b.server = httptest.NewServer(r)
	return b
}

// DefaultInvite builds an invite payload with n questions.
func DefaultInvite(n, thinkSeconds, maxSeconds int, allowRetakes bool) map[string]any {
	questions := make([]map[string]any, 0, n)
	for i := n - 1; i >= 0; i-- {
		questions = append(questions, map[string]any{
			"index":              i,
			"text":               fmt.Sprintf("Question %d", i+1),
			"think_time_seconds": thinkSeconds,
		})
	}
	return map[string]any{
		"candidate": map[string]any{"full_name": "Ada Lovelace", "consent_given": false},
		"campaign": map[string]any{
			"job_title":             "Backend Engineer",
			"company_name":          "Acme",
			"max_recording_seconds": maxSeconds,
			"allow_retakes":         allowRetakes,
		},
		"questions":         questions,
		"invite_expires_at": time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
	}
}

func (b *Backend) Close() {
	if b.server != nil {
		b.server.Close()
	}
}

func (b *Backend) URL() string { return b.server.URL }

func (b *Backend) Token() string { return b.opts.Token }

func (b *Backend) InviteCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inviteCalls
}

func (b *Backend) ConsentCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consentCalls
}

// Uploads returns every upload attempt, failed ones included.
func (b *Backend) Uploads() []Upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Upload(nil), b.uploads...)
}

// Submits returns the submit_partial flag of every submit call.
func (b *Backend) Submits() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.submits...)
}

func (b *Backend) AcceptLanguages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acceptLanguage...)
}

// Finalize marks the attempt as submitted elsewhere (another tab).
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
}

func (b *Backend) tokenOK(w http.ResponseWriter, r *http.Request) bool {
	b.mu.Lock()
	b.acceptLanguage = append(b.acceptLanguage, r.Header.Get("Accept-Language"))
	b.mu.Unlock()
	if chi.URLParam(r, "token") != b.opts.Token {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "invite not found"})
		return false
	}
	return true
}

func (b *Backend) handleInvite(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.inviteCalls++
	b.mu.Unlock()
	if b.opts.InviteDelay > 0 {
		time.Sleep(b.opts.InviteDelay)
	}
	if !b.tokenOK(w, r) {
		return
	}
	if b.opts.InviteStatus != 0 && b.opts.InviteStatus != http.StatusOK {
		body := b.opts.InviteErrorBody
		if body == nil {
			body = map[string]any{"detail": http.StatusText(b.opts.InviteStatus)}
		}
		writeJSON(w, b.opts.InviteStatus, body)
		return
	}
	writeJSON(w, http.StatusOK, b.opts.Invite)
}

func (b *Backend) handleConsent(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.consentCalls++
	b.mu.Unlock()
	if !b.tokenOK(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consent_given": true})
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !b.tokenOK(w, r) {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	up := Upload{}
	up.QuestionIndex, _ = strconv.Atoi(r.FormValue("question_index"))
	up.DurationSeconds, _ = strconv.Atoi(r.FormValue("duration_seconds"))
	if f, hdr, err := r.FormFile("video"); err == nil {
		data, _ := io.ReadAll(f)
		_ = f.Close()
		up.Size = len(data)
		up.MimeType = hdr.Header.Get("Content-Type")
	}

	b.mu.Lock()
	fail := b.uploadFailures < b.opts.FailUploads
	if fail {
		b.uploadFailures++
		up.Status = http.StatusServiceUnavailable
	} else {
		up.Status = http.StatusOK
	}
	b.uploads = append(b.uploads, up)
	id := len(b.uploads)
	b.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "storage unavailable"})
		return
	}
	if up.Size == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": "empty video"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"video_answer_id": fmt.Sprintf("va_%d", id)})
}

func (b *Backend) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !b.tokenOK(w, r) {
		return
	}
	var body struct {
		SubmitPartial bool `json:"submit_partial"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.submits = append(b.submits, body.SubmitPartial)
	finalized := b.finalized
	status := b.opts.SubmitStatus
	uploaded := map[int]bool{}
	for _, up := range b.uploads {
		if up.Status == http.StatusOK {
			uploaded[up.QuestionIndex] = true
		}
	}
	if !finalized && (status == 0 || status == http.StatusOK) {
		b.finalized = true
	}
	b.mu.Unlock()

	if finalized {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": map[string]any{
			"message":      "attempt already submitted",
			"reference_id": "REF-EXISTING",
			"job_title":    "Backend Engineer",
			"company_name": "Acme",
		}})
		return
	}
	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]any{"detail": strings.ToLower(http.StatusText(status))})
		return
	}
	total := 0
	if qs, ok := b.opts.Invite["questions"].([]map[string]any); ok {
		total = len(qs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference_id":    "REF-0001",
		"uploaded_count":  len(uploaded),
		"total_questions": total,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SetSubmitStatus changes the forced submit status; 0 restores success.
func (b *Backend) SetSubmitStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.SubmitStatus = status
}
