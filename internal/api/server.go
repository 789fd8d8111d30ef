// Package api provides the HTTP control API of bookbridge: starting,
// stopping, restarting and inspecting pipeline runs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/listenupapp/bookbridge/internal/control"
)

// Pinger is a store the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores are the databases reported by the health check. Nil entries are
// reported as not configured.
type Stores struct {
	Document   Pinger
	Relational Pinger
	Runs       Pinger
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	control      *control.Service
	stores       Stores
	router       *chi.Mux
	api          huma.API
	logger       *slog.Logger
	startLimiter *RateLimiter
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(svc *control.Service, stores Stores, logger *slog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		control: svc,
		stores:  stores,
		router:  router,
		logger:  logger,
		// Ten mutating requests per minute per client, bursts of five.
		startLimiter: NewRateLimiter(10, time.Minute, 5),
	}

	s.setupMiddleware()

	humaConfig := huma.DefaultConfig("BookBridge API", "1.0.0")
	humaConfig.Info.Description = "Run control for document and relational library migrations"
	s.api = humachi.New(router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerRunRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// API exposes the huma API, used by tests and OpenAPI export.
func (s *Server) API() huma.API {
	return s.api
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	s.router.Use(RateLimitMiddleware(s.startLimiter, s.logger))
}
