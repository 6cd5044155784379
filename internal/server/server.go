// Package server provides the HTTP API for the advisory agent: chat
// (batch and streaming), supervisor approval, and thread inspection.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	finaotel "github.com/elkinlatorre/FINA/internal/otel"
	"github.com/elkinlatorre/FINA/internal/service"
)

const defaultTimeout = 120 * time.Second

// Server holds the dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	svc         *service.Service
	apiKeys     map[string]string
	rateLimit   float64
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"] for development).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit sets the per-user request rate (requests per second).
func WithRateLimit(rps float64) Option {
	return func(s *Server) { s.rateLimit = rps }
}

// NewServer builds a Server. apiKeys maps API key → user_id.
func NewServer(svc *service.Service, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		svc:         svc,
		apiKeys:     apiKeys,
		rateLimit:   5,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler. The streaming route is
// registered without the default request timeout so slow generations can
// finish.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(finaotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/api/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateLimit))

		// Streaming: no request timeout (middleware.Timeout would cut the SSE stream)
		r.Post("/api/chat/stream", s.handleChatStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Post("/api/chat", s.handleChat)
			r.Post("/api/approve", s.handleApprove)
			r.Get("/api/chat/{thread_id}", s.handleThreadStatus)
			r.Get("/api/reviews", s.handleReviews)
		})
	})

	return r
}
