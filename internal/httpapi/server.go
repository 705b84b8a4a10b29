package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/lobby/internal/config"
	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/lobby"
	"github.com/ent0n29/lobby/internal/observability"
	"github.com/ent0n29/lobby/internal/protocol"
	"github.com/ent0n29/lobby/internal/realtime"
	"github.com/ent0n29/lobby/internal/store"
)

// Services bundles the collaborators the HTTP layer drives.
type Services struct {
	Ledger    *ledger.Ledger
	Store     store.Store
	Allocator *lobby.Allocator
	Lifecycle *lobby.Lifecycle
	Hub       *realtime.Hub
}

type Server struct {
	cfg      config.Config
	svc      Services
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc Services, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
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

	r.Post("/v1/lobby/join", s.handleJoin)
	r.Get("/v1/lobby/sessions/{id}", s.handleGetSession)
	r.Post("/v1/lobby/sessions/{id}/close", s.handleCloseSession)
	r.Get("/v1/lobby/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": store.Mode(s.svc.Store),
		"capacity":   s.cfg.Capacity,
		"sessions":   s.svc.Ledger.Stats(),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Allocator.Join(r.Context())
	s.refreshSessionGauges()
	if err != nil {
		switch {
		case errors.Is(err, lobby.ErrInvariantViolation):
			respondError(w, http.StatusInternalServerError, "invariant_violation", "allocator failed to seat participant")
		case errors.Is(err, lobby.ErrPersistence):
			respondError(w, http.StatusInternalServerError, "persistence_failed", err.Error())
		case errors.Is(err, context.Canceled):
			respondError(w, http.StatusServiceUnavailable, "canceled", err.Error())
		default:
			log.Printf("httpapi: join failed: %v", err)
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

type sessionView struct {
	ledger.Session
	PersistedParticipants *int `json:"persisted_participants,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.svc.Ledger.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	view := sessionView{Session: sess}
	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout())
	defer cancel()
	if n, err := s.svc.Store.CountParticipants(ctx, id); err == nil {
		view.PersistedParticipants = &n
	} else {
		log.Printf("httpapi: count participants for %s failed: %v", id, err)
	}
	respondJSON(w, http.StatusOK, view)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "closed"
	}

	_, err := s.svc.Lifecycle.Close(r.Context(), id, req.Reason)
	s.refreshSessionGauges()
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	case errors.Is(err, lobby.ErrPersistence):
		// The close is committed in memory; the write is queued for replay.
		log.Printf("httpapi: close %s: %v", id, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	sess, err := s.svc.Ledger.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID != "" {
		if _, err := s.svc.Ledger.Get(sessionID); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.svc.Hub.Subscribe(sessionID)
	defer s.svc.Hub.Unsubscribe(sub)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					// Dropped for falling behind.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
						time.Now().Add(time.Second))
					cancel()
					_ = conn.Close()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Subscribers only listen; reading keeps control frames flowing and
	// notices when the peer goes away.
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		s.metrics.WSMessages.WithLabelValues("inbound", "ignored").Inc()
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) refreshSessionGauges() {
	s.metrics.SetSessionStats(s.svc.Ledger.Stats())
}

func (s *Server) storeTimeout() time.Duration {
	if s.cfg.StoreTimeout <= 0 {
		return 5 * time.Second
	}
	return s.cfg.StoreTimeout
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
