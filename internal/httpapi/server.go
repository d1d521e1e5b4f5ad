package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ent0n29/tasksync/internal/apperr"
	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/config"
	"github.com/ent0n29/tasksync/internal/observability"
	"github.com/ent0n29/tasksync/internal/session"
	"github.com/ent0n29/tasksync/internal/tasks"
)

type Server struct {
	cfg       config.Config
	manager   *tasks.Manager
	sessions  *session.Registry
	verifier  auth.Verifier
	metrics   *observability.Metrics
	storeMode string
	ready     func(ctx context.Context) error
	upgrader  websocket.Upgrader
}

type Option func(*Server)

// WithStoreMode reports the storage backend on the health endpoints.
func WithStoreMode(mode string) Option {
	return func(s *Server) { s.storeMode = mode }
}

// WithReadyCheck makes /readyz fail while check returns an error.
func WithReadyCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

func New(cfg config.Config, manager *tasks.Manager, sessions *session.Registry, verifier auth.Verifier, metrics *observability.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		sessions:  sessions,
		verifier:  verifier,
		metrics:   metrics,
		storeMode: "in-memory",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	// The websocket handshake authenticates itself and must not inherit the request timeout.
	r.Get("/v1/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}

		r.Post("/v1/workspaces", s.handleCreateWorkspace)
		r.Post("/v1/workspaces/{id}/members", s.handleAddMember)
		r.Get("/v1/workspaces/{id}/tasks", s.handleWorkspaceTasks)
		r.Post("/v1/workspaces/{id}/tasks", s.handleCreateTask)
		r.Post("/v1/workspaces/{id}/reorder", s.handleReorder)

		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Post("/v1/tasks/{id}/status", s.handleChangeStatus)
		r.Post("/v1/tasks/{id}/comments", s.handleAddComment)
		r.Post("/v1/tasks/{id}/attachments", s.handleAddAttachment)
		r.Post("/v1/tasks/{id}/favorite", s.handleToggleFavorite)

		r.Get("/v1/notifications", s.handleListNotifications)
		r.Post("/v1/notifications/{id}/read", s.handleMarkNotificationRead)

		r.Post("/v1/admin/notifications", s.handleIssueNotification)
		r.Get("/v1/admin/latency", s.handleLatency)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_mode":      s.storeMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

type identityKey struct{}

// authenticate resolves the bearer credential once per request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verify(r)
		if err != nil {
			respondAppError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verify(r *http.Request) (auth.Identity, error) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return auth.Identity{}, fmt.Errorf("%w: missing credential", apperr.ErrAuthentication)
	}
	return s.verifier.VerifyCredential(token)
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return id
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

// decodeBody decodes a required JSON body, reporting problems as validation errors.
func decodeBody(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
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

func respondAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("status", status).Warn("request failed")
	}
	respondError(w, status, apperr.Code(err), err.Error())
}
