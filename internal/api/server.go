// Package api serves the push webhook and the admin API of threadwatch.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/tracker"
)

// maxJSONBodyBytes bounds admin API request bodies.
const maxJSONBodyBytes = 1 << 20

var defaultAllowedOrigins = []string{"http://localhost:*"}

// isAllowedOrigin checks whether an origin matches the allowed list.
// Supports the "http://localhost:*" wildcard pattern (any port on localhost).
func isAllowedOrigin(allowedOrigins []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasSuffix(allowed, ":*") {
			prefix := strings.TrimSuffix(allowed, ":*")
			parsed, err := url.Parse(origin)
			if err != nil {
				continue
			}
			if parsed.Scheme+"://"+parsed.Hostname() == prefix {
				return true
			}
		}
	}
	return false
}

// Options configure a Server.
type Options struct {
	AllowedOrigins []string
	// WebhookPath is where Pub/Sub pushes notifications.
	WebhookPath string
	// WebhookToken, when set, must be passed as ?token= by the push subscription.
	WebhookToken string
	// WebhookTimeout bounds one notification pass.
	WebhookTimeout time.Duration
	// JWTSecretPath stores the admin token signing key.
	JWTSecretPath string
}

type Server struct {
	db             *db.DB
	router         chi.Router
	auth           *AuthService
	wsHub          *WSHub
	session        atomic.Pointer[tracker.Session]
	authLimiter    *loginRateLimiter
	allowedOrigins []string

	webhookPath    string
	webhookToken   string
	webhookTimeout time.Duration
}

// NewServer builds the router. The tracker session is attached later with
// SetSession; until then the webhook answers 500 so Pub/Sub retries.
func NewServer(database *db.DB, opts Options) (*Server, error) {
	auth, err := NewAuthService(database, opts.JWTSecretPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		db:             database,
		auth:           auth,
		wsHub:          NewWSHub(),
		authLimiter:    newLoginRateLimiter(5, 1*time.Minute),
		allowedOrigins: opts.AllowedOrigins,
		webhookPath:    opts.WebhookPath,
		webhookToken:   opts.WebhookToken,
		webhookTimeout: opts.WebhookTimeout,
	}
	if len(s.allowedOrigins) == 0 {
		s.allowedOrigins = defaultAllowedOrigins
	}
	if s.webhookPath == "" {
		s.webhookPath = "/webhook"
	}
	if s.webhookTimeout <= 0 {
		s.webhookTimeout = 60 * time.Second
	}

	s.setupRoutes()
	return s, nil
}

// SetSession attaches the tracker session that handles notifications.
func (s *Server) SetSession(session *tracker.Session) {
	s.session.Store(session)
}

// Hub returns the live event hub. It implements tracker.Publisher.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return isAllowedOrigin(s.allowedOrigins, origin)
		},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Public routes
	r.Get("/healthz", s.handleHealth)
	r.Post(s.webhookPath, s.handleWebhook)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/setup", s.handleSetup)
	r.Get("/api/auth/status", s.handleAuthStatus)

	// WebSocket (auth handled in handshake or first message)
	r.Get("/ws", s.handleWebSocket)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/auth/me", s.handleMe)
		r.Post("/api/auth/password", s.handleChangePassword)

		r.Get("/api/status", s.handleStatus)

		r.Get("/api/threads", s.handleListThreads)
		r.Post("/api/threads", s.handleStartThread)
		r.Get("/api/threads/{id}", s.handleGetThread)
		r.Patch("/api/threads/{id}", s.handleUpdateThread)
		r.Delete("/api/threads/{id}", s.handleDeleteThread)
		r.Get("/api/threads/{id}/replies", s.handleListThreadReplies)

		r.Get("/api/replies", s.handleListReplies)

		r.Post("/api/watch", s.handleStartWatch)
		r.Delete("/api/watch", s.handleStopWatch)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  s.session.Load() != nil,
	})
}

// Response helpers

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeDBError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
	} else {
		writeError(w, http.StatusInternalServerError, "failed to get "+entity)
	}
}

// decodeJSON decodes exactly one JSON object with no unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}

// URL parameter helper
func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
