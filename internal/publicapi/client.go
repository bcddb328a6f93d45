package publicapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const defaultLocale = "en"

var ErrEmptyToken = errors.New("invite token is empty")

// Options configures a Client. Locale and AuthToken are request context the
// caller injects; the client never reads them from process globals.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Locale     string
	AuthToken  string
	HTTPClient *http.Client
}

// Client talks to the public candidate endpoints of the interview backend.
type Client struct {
	baseURL   string
	timeout   time.Duration
	locale    string
	authToken string
	http      *http.Client
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		// Per-call deadlines come from contexts; uploads outlive BackendTimeout.
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		timeout:   timeout,
		locale:    NormalizeLocale(opts.Locale),
		authToken: strings.TrimSpace(opts.AuthToken),
		http:      hc,
	}
}

// WithLocale returns a copy of the client that sends locale as Accept-Language.
func (c *Client) WithLocale(locale string) *Client {
	cp := *c
	if strings.TrimSpace(locale) != "" {
		cp.locale = NormalizeLocale(locale)
	}
	return &cp
}

func (c *Client) Locale() string { return c.locale }

// NormalizeLocale turns a raw Accept-Language value or tag into the best
// single BCP 47 tag, defaulting to English.
func NormalizeLocale(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLocale
	}
	tags, _, err := language.ParseAcceptLanguage(raw)
	if err != nil || len(tags) == 0 {
		tag, err := language.Parse(raw)
		if err != nil {
			return defaultLocale
		}
		return tag.String()
	}
	return tags[0].String()
}

// GetInvite resolves token into the invite context.
func (c *Client) GetInvite(ctx context.Context, token string) (InviteContext, error) {
	var out InviteContext
	if err := c.doJSON(ctx, http.MethodGet, "invite", token, nil, &out); err != nil {
		return InviteContext{}, err
	}
	return out.normalized(), nil
}

// RecordConsent records candidate consent. The endpoint is idempotent.
func (c *Client) RecordConsent(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, "consent", token, map[string]any{}, nil)
}

// Submit finalizes the attempt.
func (c *Client) Submit(ctx context.Context, token string, submitPartial bool) (SubmitResponse, error) {
	var out SubmitResponse
	body := map[string]bool{"submit_partial": submitPartial}
	if err := c.doJSON(ctx, http.MethodPost, "submit", token, body, &out); err != nil {
		return SubmitResponse{}, err
	}
	return out, nil
}

// UploadVideo posts one answer as multipart/form-data, reporting body bytes as
// the transport consumes them. The caller's context bounds the transfer.
func (c *Client) UploadVideo(ctx context.Context, token string, req UploadRequest, onProgress ProgressFunc) (UploadResponse, error) {
	endpoint, err := c.endpoint("video-upload", token)
	if err != nil {
		return UploadResponse{}, err
	}

	payload, contentType, err := encodeUpload(req)
	if err != nil {
		return UploadResponse{}, err
	}
	total := int64(len(payload))
	body := &progressReader{r: bytes.NewReader(payload), total: total, onProgress: onProgress}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.ContentLength = total
	httpReq.Header.Set("Content-Type", contentType)
	c.decorate(httpReq)

	var out UploadResponse
	if err := c.send(httpReq, &out); err != nil {
		return UploadResponse{}, err
	}
	if strings.TrimSpace(out.VideoAnswerID) == "" {
		return UploadResponse{}, errors.New("upload response missing video_answer_id")
	}
	return out, nil
}

func encodeUpload(req UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = "video/webm"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename="answer_%d%s"`, req.QuestionIndex, extensionFor(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create video part: %w", err)
	}
	if _, err := part.Write(req.Video); err != nil {
		return nil, "", fmt.Errorf("write video part: %w", err)
	}
	if err := mw.WriteField("question_index", strconv.Itoa(req.QuestionIndex)); err != nil {
		return nil, "", fmt.Errorf("write question_index: %w", err)
	}
	if err := mw.WriteField("duration_seconds", strconv.Itoa(req.DurationSeconds)); err != nil {
		return nil, "", fmt.Errorf("write duration_seconds: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func extensionFor(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	default:
		return ".webm"
	}
}

func (c *Client) doJSON(ctx context.Context, method, resource, token string, in, out any) error {
	endpoint, err := c.endpoint(resource, token)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.decorate(httpReq)
	return c.send(httpReq, out)
}

func (c *Client) send(httpReq *http.Request, out any) error {
	res, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 8<<10))
		return decodeStatusError(res.StatusCode, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) endpoint(resource, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return c.baseURL + "/public/" + resource + "/" + url.PathEscape(token), nil
}

func (c *Client) decorate(r *http.Request) {
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Accept-Language", c.locale)
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

type progressReader struct {
	r          io.Reader
	sent       int64
	total      int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.sent, p.total)
		}
	}
	return n, err
}
