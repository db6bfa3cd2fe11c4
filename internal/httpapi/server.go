// Package httpapi exposes the chat core as a JSON API with bearer-token auth.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"convoai/internal/account"
	"convoai/internal/auth"
	"convoai/internal/conversation"
	"convoai/internal/intelligence"
	"convoai/internal/metrics"
	"convoai/internal/providers"
	"convoai/internal/usage"
)

type Catalog interface {
	Kinds() []providers.Kind
	Get(kind providers.Kind) (providers.Adapter, error)
	Embedder() (providers.Embedder, providers.Kind)
}

type Availability interface {
	Available(ctx context.Context, userID int64) (map[providers.Kind]bool, error)
}

type Config struct {
	Accounts        *account.Service
	Conversations   *conversation.Service
	Intelligence    *intelligence.Service
	Usage           *usage.Accountant
	Tokens          *auth.Tokens
	Catalog         Catalog
	Availability    Availability
	DefaultProvider providers.Kind
	// Health reports whether dependencies are reachable. Optional.
	Health      func(ctx context.Context) error
	HealthPath  string
	MetricsPath string
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Server struct {
	cfg Config
}

// NewHandler builds the API mux with health and metrics endpoints.
func NewHandler(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.HealthPath, s.health)
	mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())

	mux.HandleFunc("POST /api/users/register", s.register)
	mux.HandleFunc("POST /api/users/login", s.login)

	mux.Handle("GET /api/users/me", s.authed(s.profile))
	mux.Handle("PATCH /api/users/me", s.authed(s.updateProfile))
	mux.Handle("POST /api/users/me/password", s.authed(s.changePassword))
	mux.Handle("GET /api/users/me/usage", s.authed(s.usage))
	mux.Handle("PUT /api/users/me/keys/{provider}", s.authed(s.setKey))
	mux.Handle("DELETE /api/users/me/keys/{provider}", s.authed(s.removeKey))
	mux.Handle("PUT /api/users/me/preferences", s.authed(s.setPreferences))
	mux.Handle("GET /api/providers", s.authed(s.providers))

	mux.Handle("POST /api/conversations", s.authed(s.createConversation))
	mux.Handle("GET /api/conversations", s.authed(s.listConversations))
	mux.Handle("GET /api/conversations/{id}", s.authed(s.getConversation))
	mux.Handle("PATCH /api/conversations/{id}", s.authed(s.updateConversation))
	mux.Handle("DELETE /api/conversations/{id}", s.authed(s.deleteConversation))
	mux.Handle("POST /api/conversations/{id}/messages", s.authed(s.sendMessage))
	mux.Handle("POST /api/conversations/{id}/end", s.authed(s.endConversation))
	mux.Handle("POST /api/conversations/{id}/summary", s.authed(s.summarize))

	mux.Handle("POST /api/search", s.authed(s.search))
	mux.Handle("POST /api/search/ask", s.authed(s.ask))
	mux.Handle("GET /api/search/history", s.authed(s.searchHistory))

	return s.observe(mux)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			s.cfg.Logger.Error().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authed verifies the bearer token and stores the caller on the context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.cfg.Tokens.FromHeader(r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status/100)+"xx").Inc()
		}
		s.cfg.Logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

func userID(r *http.Request) int64 {
	p, _ := auth.PrincipalFrom(r.Context())
	return p.UserID
}
