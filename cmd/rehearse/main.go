package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tamabayevs/corematch/internal/protocol"
)

type options struct {
	baseURL       string
	token         string
	answerFor     time.Duration
	chunkBytes    int
	uploadRetries int
	timeout       time.Duration
	verbose       bool
}

type createSessionRequest struct {
	Token string `json:"token"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Route     string `json:"route"`
}

// wsEnvelope holds the fields rehearse reacts to across every server message.
type wsEnvelope struct {
	Type             string          `json:"type"`
	Route            string          `json:"route,omitempty"`
	QuestionIndex    int             `json:"question_index"`
	View             json.RawMessage `json:"view,omitempty"`
	Phase            string          `json:"phase,omitempty"`
	LastUploadFailed bool            `json:"last_upload_failed,omitempty"`
	Actions          []string        `json:"actions,omitempty"`
	RequestID        string          `json:"request_id,omitempty"`
	StreamID         string          `json:"stream_id,omitempty"`
	RecorderID       string          `json:"recorder_id,omitempty"`
	TimesliceMS      int64           `json:"timeslice_ms,omitempty"`
	Code             string          `json:"code,omitempty"`
	Detail           string          `json:"detail,omitempty"`
}

type viewStatus struct {
	Status      string `json:"status"`
	DeviceError string `json:"device_error"`
	ReferenceID string `json:"reference_id"`
	Partial     bool   `json:"partial"`
}

type report struct {
	SessionID   string
	Answered    int
	ReferenceID string
	Partial     bool
	Elapsed     time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearse: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	rep, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rehearse: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("rehearse: session=%s answered=%d reference=%s partial=%t elapsed=%s\n",
		rep.SessionID, rep.Answered, rep.ReferenceID, rep.Partial, rep.Elapsed.Round(time.Millisecond))
}

func parseFlags() (options, error) {
	var cfg options
	var answerMS, timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&cfg.token, "token", "", "candidate invite token")
	flag.IntVar(&answerMS, "answer-ms", 1500, "how long each answer records before stop, in milliseconds")
	flag.IntVar(&cfg.chunkBytes, "chunk-bytes", 2048, "bytes per synthetic recorder chunk")
	flag.IntVar(&cfg.uploadRetries, "upload-retries", 2, "retry_upload attempts per question before giving up")
	flag.IntVar(&timeoutMS, "timeout-ms", 300000, "overall timeout in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()
	return cfg.normalize(answerMS, timeoutMS)
}

func (cfg options) normalize(answerMS, timeoutMS int) (options, error) {
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.token = strings.TrimSpace(cfg.token)
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.token == "" {
		return options{}, fmt.Errorf("token is required")
	}
	if cfg.chunkBytes < 16 || cfg.chunkBytes > 1<<20 {
		return options{}, fmt.Errorf("chunk-bytes must be in [16,1048576]")
	}
	if answerMS < 0 {
		answerMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	if cfg.uploadRetries < 0 {
		cfg.uploadRetries = 0
	}
	cfg.answerFor = time.Duration(answerMS) * time.Millisecond
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options) (report, error) {
	started := time.Now()
	httpClient := &http.Client{Timeout: 45 * time.Second}
	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return report{}, fmt.Errorf("create session: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("rehearse: session=%s route=%s\n", created.SessionID, created.Route)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, created.SessionID)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	msgCh := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, msgCh, readErrCh)

	b := &browser{cfg: cfg, conn: conn, sessionID: created.SessionID, retries: make(map[int]int)}
	rep, err := b.drive(ctx, msgCh, readErrCh)
	rep.SessionID = created.SessionID
	rep.Elapsed = time.Since(started)
	return rep, err
}

// browser plays the candidate page: it grants the camera, streams recorder
// chunks and answers every question. All writes happen on the drive loop.
type browser struct {
	cfg       options
	conn      *websocket.Conn
	sessionID string

	streams    int
	recorderID string
	seq        int
	chunkTick  *time.Ticker
	stopTimer  *time.Timer
	retries    map[int]int
	answered   int
}

func (b *browser) drive(ctx context.Context, msgCh <-chan wsEnvelope, readErrCh <-chan error) (report, error) {
	defer b.stopRecorder()
	for {
		var tickC, stopC <-chan time.Time
		if b.chunkTick != nil {
			tickC = b.chunkTick.C
		}
		if b.stopTimer != nil {
			stopC = b.stopTimer.C
		}

		select {
		case <-ctx.Done():
			return report{Answered: b.answered}, ctx.Err()
		case err := <-readErrCh:
			return report{Answered: b.answered}, fmt.Errorf("ws read: %w", err)
		case <-tickC:
			if err := b.sendChunk(false); err != nil {
				return report{}, err
			}
		case <-stopC:
			b.stopTimer = nil
			if err := b.control(protocol.ActionStop); err != nil {
				return report{}, err
			}
		case msg := <-msgCh:
			done, rep, err := b.handle(msg)
			if err != nil || done {
				rep.Answered = b.answered
				return rep, err
			}
		}
	}
}

func (b *browser) handle(msg wsEnvelope) (bool, report, error) {
	switch msg.Type {
	case string(protocol.TypeNavigate):
		return b.handleNavigate(msg)
	case string(protocol.TypeDeviceRequest):
		b.streams++
		return false, report{}, b.write(protocol.DeviceGranted{
			Type:      protocol.TypeDeviceGranted,
			SessionID: b.sessionID,
			RequestID: msg.RequestID,
			StreamID:  fmt.Sprintf("rehearse-%d", b.streams),
			MimeType:  "video/webm",
			Tracks:    []protocol.Track{{Kind: "video", Label: "rehearse camera"}, {Kind: "audio", Label: "rehearse mic"}},
		})
	case string(protocol.TypeRecorderStart):
		b.stopRecorder()
		b.recorderID = msg.RecorderID
		b.seq = 0
		slice := time.Duration(msg.TimesliceMS) * time.Millisecond
		if slice <= 0 {
			slice = time.Second
		}
		b.chunkTick = time.NewTicker(slice)
		return false, report{}, b.sendChunk(false)
	case string(protocol.TypeRecorderStop):
		if msg.RecorderID != b.recorderID {
			return false, report{}, nil
		}
		err := b.sendChunk(true)
		b.stopRecorder()
		return false, report{}, err
	case string(protocol.TypePhaseEvent):
		return false, report{}, b.handlePhase(msg)
	case string(protocol.TypeErrorEvent):
		if b.cfg.verbose {
			fmt.Fprintf(os.Stderr, "rehearse: error_event code=%s detail=%s\n", msg.Code, msg.Detail)
		}
	}
	return false, report{}, nil
}

func (b *browser) handleNavigate(msg wsEnvelope) (bool, report, error) {
	var view viewStatus
	if len(msg.View) > 0 {
		_ = json.Unmarshal(msg.View, &view)
	}
	if b.cfg.verbose {
		fmt.Printf("rehearse: navigate route=%s question=%d\n", msg.Route, msg.QuestionIndex)
	}
	switch msg.Route {
	case "welcome", "consent":
		return false, report{}, b.control(protocol.ActionConsent)
	case "camera-check":
		switch view.Status {
		case "ready":
			return false, report{}, b.control(protocol.ActionBegin)
		case "error":
			return true, report{}, fmt.Errorf("camera check failed: %s", view.DeviceError)
		}
	case "review-all":
		return false, report{}, b.control(protocol.ActionSubmit)
	case "confirmation":
		return true, report{ReferenceID: view.ReferenceID, Partial: view.Partial}, nil
	case "expired", "already-submitted":
		return true, report{}, fmt.Errorf("invite is %s", msg.Route)
	}
	return false, report{}, nil
}

func (b *browser) handlePhase(msg wsEnvelope) error {
	switch msg.Phase {
	case "recording":
		if b.stopTimer == nil && hasAction(msg.Actions, protocol.ActionStop) {
			b.stopTimer = time.NewTimer(b.cfg.answerFor)
		}
	case "review":
		if !msg.LastUploadFailed {
			return b.control(protocol.ActionAccept)
		}
		b.retries[msg.QuestionIndex]++
		if b.retries[msg.QuestionIndex] > b.cfg.uploadRetries {
			return fmt.Errorf("question %d: upload kept failing", msg.QuestionIndex)
		}
		return b.control(protocol.ActionRetryUpload)
	case "complete":
		b.answered++
	case "device_error":
		return fmt.Errorf("question %d: device error", msg.QuestionIndex)
	}
	return nil
}

func (b *browser) stopRecorder() {
	if b.chunkTick != nil {
		b.chunkTick.Stop()
		b.chunkTick = nil
	}
	b.recorderID = ""
}

func (b *browser) sendChunk(final bool) error {
	if b.recorderID == "" {
		return nil
	}
	msg := protocol.ClientMediaChunk{
		Type:       protocol.TypeClientMediaChunk,
		SessionID:  b.sessionID,
		RecorderID: b.recorderID,
		Seq:        b.seq,
		DataBase64: base64.StdEncoding.EncodeToString(syntheticChunk(b.seq, b.cfg.chunkBytes)),
		Final:      final,
	}
	b.seq++
	return b.write(msg)
}

func (b *browser) control(action string) error {
	return b.write(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: b.sessionID,
		Action:    action,
		Reason:    "rehearse",
		TSMs:      time.Now().UnixMilli(),
	})
}

func (b *browser) write(msg any) error {
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return b.conn.WriteJSON(msg)
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

// syntheticChunk is a deterministic payload; the first slice carries the
// EBML magic so the result sniffs as WebM.
func syntheticChunk(seq, size int) []byte {
	chunk := make([]byte, size)
	for i := range chunk {
		chunk[i] = byte(seq*31 + i)
	}
	if seq == 0 {
		copy(chunk, []byte{0x1a, 0x45, 0xdf, 0xa3})
	}
	return chunk
}

func createSession(ctx context.Context, client *http.Client, cfg options) (createSessionResponse, error) {
	payload, err := json.Marshal(createSessionRequest{Token: cfg.token})
	if err != nil {
		return createSessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/candidate/sessions", bytes.NewReader(payload))
	if err != nil {
		return createSessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return createSessionResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return createSessionResponse{}, err
	}
	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return createSessionResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return createSessionResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return createSessionResponse{}, fmt.Errorf("missing session_id in response")
	}
	return out, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/candidate/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, msgCh chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		msgCh <- env
	}
}
