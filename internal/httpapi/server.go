package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxlinehq/voxline/internal/config"
	"github.com/voxlinehq/voxline/internal/handoff"
	"github.com/voxlinehq/voxline/internal/observability"
	"github.com/voxlinehq/voxline/internal/protocol"
	"github.com/voxlinehq/voxline/internal/session"
)

// SessionEngine runs one conversation per websocket connection.
type SessionEngine interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   SessionEngine
	store    handoff.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, engine SessionEngine, store handoff.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		store:    store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so a
				// foreign page cannot drive a customer's mic session.
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

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/session", s.handleCreateSession)
	r.Get("/v1/session/{id}", s.handleGetSession)
	r.Post("/v1/session/{id}/end", s.handleEndSession)
	r.Get("/v1/session/ws", s.handleSessionWS)
	r.Get("/v1/handoffs", s.handleListHandoffs)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		req.CustomerID = "anonymous"
	}

	sess := s.sessions.Create(req.CustomerID, req.ContinuousMode)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:        sess.ID,
		CustomerID:       sess.CustomerID,
		Status:           sess.Status,
		ContinuousMode:   sess.ContinuousMode,
		StartedAt:        sess.StartedAt,
		LastActivityAt:   sess.LastActivityAt,
		ReconnectGraceMS: s.cfg.ReconnectGrace.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
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
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "handoff store not configured")
		return
	}
	pending, err := s.store.PendingHandoffs(r.Context(), 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"handoffs": pending})
}

// handleSessionWS upgrades the connection and bridges it to one session
// engine loop. A session_id query parameter resumes a suspended session
// within the reconnect grace; omitting it creates a fresh session.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session engine not configured")
		return
	}

	var sess *session.Session
	if sessionID := strings.TrimSpace(r.URL.Query().Get("session_id")); sessionID != "" {
		resumed, err := s.sessions.Resume(sessionID)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		sess = resumed
		s.metrics.SessionEvents.WithLabelValues("resumed").Inc()
	} else {
		customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
		if customerID == "" {
			customerID = "anonymous"
		}
		sess = s.sessions.Create(customerID, false)
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})
	engineErr := make(chan error, 1)

	go func() {
		defer close(runDone)
		engineErr <- s.engine.RunConnection(ctx, sess, inbound, outbound)
	}()

	// Writer owns all websocket writes: protocol messages plus keepalive
	// pings on one goroutine.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		keepalive := time.NewTicker(s.keepaliveInterval())
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvents.WithLabelValues("ws_write_error").Inc()
					cancel()
					return
				}
			}
		}
	}()

	readTimeout := s.keepaliveInterval() + s.pongGrace()
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			parsed = protocol.AudioData(data)
		case websocket.TextMessage:
			p, err := protocol.ParseClientText(data)
			if err != nil {
				// Protocol violation: warn the client, drop the message,
				// keep the session alive.
				errEvent := protocol.ErrorEvent{
					Type: protocol.TypeErrorEvent,
					Data: protocol.ErrorEventData{
						Message: err.Error(),
						Code:    "invalid_client_message",
						Source:  "gateway",
					},
				}
				select {
				case outbound <- errEvent:
				default:
				}
				continue
			}
			parsed = p
		default:
			continue
		}

		// Once the engine finishes on its own (client end, session end),
		// stop reading instead of feeding a channel nobody drains. Checked
		// before the send: inbound is buffered, so the send alone would
		// keep accepting frames.
		select {
		case <-runDone:
			break readLoop
		default:
		}

		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone

	// If the engine is still mid-conversation, keep the session resumable
	// for the reconnect grace instead of tearing it down.
	if got, err := s.sessions.Get(sess.ID); err == nil && got.Status == session.StatusActive {
		if err := s.sessions.Suspend(sess.ID); err == nil {
			s.metrics.SessionEvents.WithLabelValues("suspended").Inc()
		}
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	<-engineErr
}

func (s *Server) keepaliveInterval() time.Duration {
	if s.cfg.KeepaliveInterval > 0 {
		return s.cfg.KeepaliveInterval
	}
	return 30 * time.Second
}

func (s *Server) pongGrace() time.Duration {
	if s.cfg.PongGrace > 0 {
		return s.cfg.PongGrace
	}
	return 10 * time.Second
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
