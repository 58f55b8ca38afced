package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lmoretti/huddle/internal/config"
	"github.com/lmoretti/huddle/internal/ledger"
	"github.com/lmoretti/huddle/internal/notify"
	"github.com/lmoretti/huddle/internal/observability"
	"github.com/lmoretti/huddle/internal/session"
	"github.com/lmoretti/huddle/internal/settlement"
)

type Server struct {
	cfg          config.Config
	sessions     *session.Service
	wallets      *ledger.Service
	engine       *settlement.Engine
	sync         *settlement.LazySync
	hub          *notify.Hub
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func New(cfg config.Config, sessions *session.Service, wallets *ledger.Service, engine *settlement.Engine, sync *settlement.LazySync, hub *notify.Hub, metrics *observability.Metrics) *Server {
	pingInterval := cfg.WSPingInterval
	if pingInterval <= 0 {
		pingInterval = 50 * time.Second
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		wallets:      wallets,
		engine:       engine,
		sync:         sync,
		hub:          hub,
		metrics:      metrics,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// often omit Origin; allow them.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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
	r.Use(s.recordLatency)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/ws", s.handleWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/respond", s.handleRespond)
	r.Post("/v1/sessions/{id}/start", s.handleStart)
	r.Post("/v1/sessions/{id}/end", s.handleEnd)
	r.Post("/v1/sessions/{id}/cancel", s.handleCancel)
	r.Delete("/v1/sessions/{id}/participants/{user}", s.handleLeave)

	r.Get("/v1/wallets/{user}", s.handleWallet)
	r.Get("/v1/wallets/{user}/entries", s.handleWalletEntries)

	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

// recordLatency feeds the rolling latency window keyed by route pattern. The
// websocket route is excluded; its request lifetime is the connection.
func (s *Server) recordLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil || s.metrics.Latency == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" || pattern == "/v1/sessions/ws" {
			return
		}
		s.metrics.Latency.Observe(r.Method+" "+pattern, float64(time.Since(start).Microseconds())/1000)
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"ws_listeners": s.hub.ActiveSubscribers(),
	})
}

type createSessionRequest struct {
	HostID          string    `json:"host_id"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	DurationMinutes int       `json:"duration_minutes"`
	Invitees        []string  `json:"invitees"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, notifications, err := s.sessions.Create(r.Context(), session.CreateRequest{
		HostID:          req.HostID,
		ScheduledStart:  req.ScheduledStart,
		DurationMinutes: req.DurationMinutes,
		Invitees:        req.Invitees,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	notify.PublishAll(s.hub, notifications)
	respondJSON(w, http.StatusCreated, sess)
}

type respondRequest struct {
	UserID string `json:"user_id"`
	Accept bool   `json:"accept"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	sess, notifications, err := s.sessions.Respond(r.Context(), req.UserID, id, req.Accept)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	notify.PublishAll(s.hub, notifications)
	respondJSON(w, http.StatusOK, sess)
}

type actorRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req actorRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return "", false
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return "", false
	}
	return req.UserID, true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.actor(w, r)
	if !ok {
		return
	}
	sess, notifications, err := s.sessions.Start(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	notify.PublishAll(s.hub, notifications)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.actor(w, r)
	if !ok {
		return
	}
	res, err := s.engine.EndAs(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	notify.PublishAll(s.hub, res.Notifications)
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.actor(w, r)
	if !ok {
		return
	}
	sess, notifications, err := s.sessions.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	notify.PublishAll(s.hub, notifications)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sess, notifications, err := s.sessions.RemoveSelf(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	notify.PublishAll(s.hub, notifications)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	sess, notifications := s.sync.Reconcile(r.Context(), sess)
	notify.PublishAll(s.hub, notifications)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter user_id is required")
		return
	}
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}

	sessions, err := s.sessions.ListForUser(r.Context(), userID, statuses)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	sessions, notifications := s.sync.ReconcileAll(r.Context(), sessions)
	notify.PublishAll(s.hub, notifications)

	// Reconciliation may have moved sessions out of a requested status.
	if len(statuses) > 0 {
		filtered := sessions[:0]
		for _, sess := range sessions {
			for _, st := range statuses {
				if sess.Status == st {
					filtered = append(filtered, sess)
					break
				}
			}
		}
		sessions = filtered
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func parseStatuses(raw string) ([]session.Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []session.Status
	for _, part := range strings.Split(raw, ",") {
		st := session.Status(strings.TrimSpace(part))
		switch st {
		case session.StatusScheduled, session.StatusLive, session.StatusEnded, session.StatusCancelled:
			out = append(out, st)
		default:
			return nil, errors.New("unknown status " + string(st))
		}
	}
	return out, nil
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	sum, err := s.wallets.Summary(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleWalletEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.wallets.Entries(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// respondDomainError maps service errors onto HTTP statuses. Unknown errors
// are reported as 500 without leaking internals.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, session.ErrConflict):
		respondError(w, http.StatusConflict, "schedule_conflict", err.Error())
	case errors.Is(err, session.ErrTerminal), errors.Is(err, session.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, session.ErrJoinTooEarly):
		respondError(w, http.StatusConflict, "join_too_early", err.Error())
	case errors.Is(err, session.ErrNotHost), errors.Is(err, session.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, ledger.ErrWalletNotFound):
		respondError(w, http.StatusNotFound, "wallet_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
