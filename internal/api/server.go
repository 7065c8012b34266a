package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.io/infrasutra/burnbox/internal/auth"
	"github.io/infrasutra/burnbox/internal/config"
	"github.io/infrasutra/burnbox/internal/inbox"
	"github.io/infrasutra/burnbox/internal/sse"
)

const (
	deviceHeader    = "X-Device-ID"
	defaultPing     = 20 * time.Second
	readyTimeout    = 2 * time.Second
	internalMessage = "internal error"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg          config.Config
	inbox        *inbox.Service
	tickets      *auth.TicketManager
	hub          *sse.Hub
	store        Pinger
	logger       *slog.Logger
	router       chi.Router
	now          func() time.Time
	pingInterval time.Duration
}

func NewServer(cfg config.Config, svc *inbox.Service, tickets *auth.TicketManager, hub *sse.Hub, store Pinger, logger *slog.Logger) *Server {
	server := &Server{
		cfg:          cfg,
		inbox:        svc,
		tickets:      tickets,
		hub:          hub,
		store:        store,
		logger:       logger,
		now:          time.Now,
		pingInterval: defaultPing,
	}

	r := chi.NewRouter()
	// RequestID first so the access log can read it; CORS before Recoverer so
	// panics still answer with CORS headers.
	r.Use(middleware.RequestID)
	r.Use(server.accessLog)
	r.Use(server.cors)
	r.Use(middleware.Recoverer)

	r.Get("/health", server.handleHealth)
	r.Get("/ready", server.handleReady)
	r.Route("/messages", func(r chi.Router) {
		r.Options("/", server.handlePreflight)
		r.Get("/", server.handleList)
		r.Delete("/", server.handlePurge)
		r.Options("/ticket", server.handlePreflight)
		r.Get("/ticket", server.handleTicket)
		r.Get("/stream", server.handleStream)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		server.respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		server.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	server.router = r
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.CORSOrigin
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Device-ID")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.inbox.List(r.Context(), requestFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.inbox.Purge(r.Context(), requestFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, purgeResponse{Success: true, Deleted: deleted})
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r)
	recipient, granted, err := s.inbox.Access(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if !granted {
		s.respondError(w, http.StatusForbidden, "inbox unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, ticketResponse{
		Ticket:    s.tickets.Issue(recipient, req.DeviceID, s.now()),
		ExpiresIn: int(s.tickets.MaxAge().Seconds()),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.Parse(r.URL.Query().Get("ticket"), s.now())
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(ticket.Recipient)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store not ready", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestFrom(r *http.Request) inbox.Request {
	return inbox.Request{
		Recipient:  r.URL.Query().Get("email"),
		Credential: r.Header.Get("Authorization"),
		DeviceID:   r.Header.Get(deviceHeader),
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, inbox.ErrUnauthorized):
		s.respondError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, inbox.ErrMissingRecipient):
		s.respondError(w, http.StatusBadRequest, "Email is required")
	case errors.Is(err, inbox.ErrMissingDevice):
		s.respondError(w, http.StatusForbidden, "Device ID is required")
	default:
		s.logger.Error("inbox request failed",
			"method", r.Method,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		s.respondError(w, http.StatusInternalServerError, internalMessage)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

type purgeResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expiresIn"`
}
