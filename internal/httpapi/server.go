package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/tamabayevs/corematch/internal/candidate"
	"github.com/tamabayevs/corematch/internal/config"
	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/interview"
	"github.com/tamabayevs/corematch/internal/invite"
	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/logging"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/preview"
	"github.com/tamabayevs/corematch/internal/protocol"
)

type Orchestrator interface {
	Attempt(sess *candidate.Session) *interview.Attempt
	Lookup(sessionID string) (*interview.Attempt, bool)
	Forget(sessionID string)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]journal.Entry, error)
	RunConnection(ctx context.Context, sess *candidate.Session, source device.Source, inbound <-chan any, outbound chan<- any) error
}

// SourceFactory returns the device source for a connection. A nil factory
// means the browser provides the camera over the websocket.
type SourceFactory func(sessionID string) device.Source

type Server struct {
	cfg          config.Config
	sessions     *candidate.Manager
	orchestrator Orchestrator
	previews     *preview.Store
	metrics      *observability.Metrics
	logger       *slog.Logger
	newSource    SourceFactory
	upgrader     websocket.Upgrader
	readTimeout  time.Duration
	pingInterval time.Duration

	mu    sync.Mutex
	conns map[string]context.CancelFunc
}

func New(cfg config.Config, sessions *candidate.Manager, orchestrator Orchestrator, previews *preview.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	readTimeout, pingInterval := cfg.WSReadTimeout, cfg.WSPingInterval
	if readTimeout <= 0 {
		readTimeout = 90 * time.Second
	}
	if pingInterval <= 0 || pingInterval >= readTimeout {
		pingInterval = readTimeout / 3
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		previews:     previews,
		metrics:      metrics,
		logger:       logging.WithComponent(logger, "httpapi"),
		conns:        make(map[string]context.CancelFunc),
		readTimeout:  readTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the candidate page served from the same origin may
				// drive a session's camera.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// WithSourceFactory replaces the browser-backed device source, for example
// with a synthetic camera.
func (s *Server) WithSourceFactory(f SourceFactory) *Server {
	s.newSource = f
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/candidate", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/end", s.handleEndSession)
		r.Get("/sessions/{id}/events", s.handleListEvents)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/previews/{handle}", s.handlePreview)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"device_source": s.cfg.DeviceSource,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"journal_mode":    s.journalMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req candidate.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "token is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = strings.TrimSpace(r.Header.Get("Accept-Language"))
	}
	if locale == "" {
		locale = s.cfg.CandidateLocale
	}

	sess, resumed := s.sessions.Create(req.Token, locale)
	if !resumed {
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
		s.metrics.SessionEvent("created")
	}

	out := s.orchestrator.Attempt(sess).Resolve(r.Context())
	route := sess.Route
	if !resumed || route == "" {
		route = string(out.Route)
		_ = s.sessions.SetRoute(sess.ID, route, -1)
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	respondJSON(w, status, candidate.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		Route:           route,
		Resumed:         resumed,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		Outcome:         outcomeView(out),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	payload := map[string]any{"session": sess}
	if attempt, ok := s.orchestrator.Lookup(sess.ID); ok {
		if out, ok := attempt.Outcome(); ok {
			payload["outcome"] = outcomeView(out)
		}
		if answers := attempt.Answers(); answers != nil {
			payload["answers"] = answers.List()
			payload["all_recorded"] = answers.AllRecorded()
		}
		if sub := attempt.Submission(); sub != nil {
			if latched, ok := sub.Latched(); ok {
				payload["submission"] = latched
			}
		}
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.Disconnect(id)
	s.orchestrator.Forget(id)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := s.orchestrator.ListEvents(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
		return
	}
	if events == nil {
		events = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("session_id"))
	art, created, err := s.previews.Open(owner, chi.URLParam(r, "handle"))
	if err != nil {
		respondError(w, http.StatusNotFound, "preview_not_found", err.Error())
		return
	}
	w.Header().Set("Content-Type", art.MimeType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", created, bytes.NewReader(art.Data))
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Attach(sessionID)
	switch {
	case errors.Is(err, candidate.ErrAlreadyConnected):
		respondError(w, http.StatusConflict, "already_connected", err.Error())
		return
	case errors.Is(err, candidate.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	defer s.sessions.Detach(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.register(sessionID, cancel)
	defer s.unregister(sessionID)

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	var (
		source device.Source
		remote *remoteSource
	)
	if s.newSource != nil {
		source = s.newSource(sessionID)
	} else {
		remote = newRemoteSource(sessionID, outbound, ctx.Done(), s.metrics)
		source = remote
	}

	go func() {
		defer close(runDone)
		defer cancel()
		if err := s.orchestrator.RunConnection(ctx, sess, source, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("candidate connection ended with error", "session_id", sessionID, "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Browsers answer pings on their own, which keeps an idle candidate
		// (reading a question, watching a preview) connected.
		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.metrics.SessionEvent("ws_ping_error")
					cancel()
					return
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvent("ws_write_error")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	// Unblocks ReadMessage when the session is ended from elsewhere.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil || ctx.Err() != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.SessionEvent("outbound_drop")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}
		if remote != nil && remote.deliver(parsed) {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	if remote != nil {
		remote.close()
	}
	s.metrics.SessionEvent("ws_disconnected")
}

// Disconnect closes the live connection of a session, if any.
func (s *Server) Disconnect(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.conns[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) register(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sessionID] = cancel
}

func (s *Server) unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sessionID)
}

func (s *Server) journalMode() string {
	if s.cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "in-memory"
}

// outcomeView flattens a gate outcome for JSON responses.
func outcomeView(out invite.Outcome) map[string]any {
	view := map[string]any{"route": out.Route}
	switch out.Route {
	case invite.RouteWelcome:
		view["invite"] = out.Invite
	case invite.RouteExpired:
		view["expired"] = out.Expired
	case invite.RouteAlreadySubmitted:
		view["already_submitted"] = out.AlreadySubmitted
	default:
		if out.Err != nil {
			view["error"] = out.Err.Error()
		}
	}
	return view
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientMediaChunk:
		return m.Type, true
	case protocol.DeviceGranted:
		return m.Type, true
	case protocol.DeviceDenied:
		return m.Type, true
	case protocol.DeviceEnded:
		return m.Type, true
	case protocol.Navigate:
		return m.Type, true
	case protocol.PhaseEvent:
		return m.Type, true
	case protocol.Tick:
		return m.Type, true
	case protocol.UploadProgress:
		return m.Type, true
	case protocol.DeviceRequest:
		return m.Type, true
	case protocol.DeviceRelease:
		return m.Type, true
	case protocol.RecorderStart:
		return m.Type, true
	case protocol.RecorderStop:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
