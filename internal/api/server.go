package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"exploit-executor/internal/config"
	"exploit-executor/internal/monitor"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Server is the executor's HTTP control plane.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, handlers *Handlers, db HealthChecker, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is set, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured, all API requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Address(),
		Handler:     s.routes(db, metrics),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// routes builds the router. Health and metrics bypass auth. WriteTimeout is
// left unset because SSE responses are long-lived.
func (s *Server) routes(db HealthChecker, metrics *monitor.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MaxBodyMiddleware(s.cfg.Server.MaxRequestBody))
	r.Use(MetricsMiddleware(metrics))

	r.Get("/health", s.handleHealth(db))
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Security.APIKeyHeader, s.cfg.Security.AllowedKeys, s.cfg.Security.AllowUnauthenticated))

		r.Post("/jobs/{id}/queue", s.handlers.HandleQueueJob)
		r.Post("/jobs/{id}/cancel", s.handlers.HandleCancelJob)
		r.Get("/jobs/inflight", s.handlers.HandleInFlight)
		r.Get("/executions/{id}", s.handlers.HandleGetExecution)
		r.Get("/executions/{id}/stream", s.handlers.HandleStreamExecution)
	})
	return r
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:       "ok",
			Database:     dbOK,
			JobsInFlight: len(s.handlers.inflight.InFlight()),
			Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		}

		status := http.StatusOK
		if !dbOK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
