// Package web serves the shadow's JSON API: point-in-time resolution, history,
// override maintenance, snapshot loads from the ETL collaborator and the
// override audit trail.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"

	"github.com/JonMunkholm/ucshadow/internal/config"
	"github.com/JonMunkholm/ucshadow/internal/core"
	mw "github.com/JonMunkholm/ucshadow/internal/web/middleware"
)

// Options wires a Server. Engine, Limiter and Config are required.
type Options struct {
	Engine  *core.Engine
	Limiter *core.LoadLimiter
	Config  *config.Config

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Health reports dependency health (database ping) for /healthz.
	Health func(ctx context.Context) error
}

// Server is the HTTP server for the shadow API.
type Server struct {
	engine   *core.Engine
	limiter  *core.LoadLimiter
	cfg      *config.Config
	health   func(ctx context.Context) error
	validate *validator.Validate
	now      func() time.Time

	router *chi.Mux
	server *http.Server

	stop     context.CancelFunc
	limiters []*rateLimiter
}

// NewServer creates a Server and its routes.
func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:   opts.Engine,
		limiter:  opts.Limiter,
		cfg:      opts.Config,
		health:   opts.Health,
		validate: newValidator(),
		now:      time.Now,
		router:   chi.NewRouter(),
		stop:     cancel,
	}
	s.setupMiddleware(ctx)
	s.setupRoutes(ctx, opts.Metrics)
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware(ctx context.Context) {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	if len(s.cfg.Security.AllowedOrigins) > 0 {
		s.router.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.Security.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", mw.APIKeyHeader, mw.ActorHeader},
			ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
			MaxAge:         300,
		}).Handler)
	}

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newRateLimiter(ctx, s.cfg.Rate.RequestsPerMinute, s.cfg.Rate.Burst).middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(ctx context.Context, metrics http.Handler) {
	s.router.Get("/healthz", s.handleHealth)
	if metrics != nil {
		s.router.Handle("/metrics", metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(s.cfg.Security))
		r.Use(mw.Actor)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			// Entity types
			r.Get("/entities", s.handleListEntities)
			r.Get("/entities/{entityType}", s.handleGetEntity)
			r.Get("/stats", s.handleStats)

			// Point-in-time reads
			r.Get("/resolve/{entityType}", s.handleResolve)
			r.Post("/resolve/{entityType}/batch", s.handleResolveBatch)
			r.Get("/history/{entityType}", s.handleHistory)

			// Overrides
			r.Get("/overrides/{entityType}", s.handleListOverrides)
			r.Get("/overrides/{entityType}/{id}", s.handleGetOverride)
			r.Post("/overrides/{entityType}", s.handleCreateOverride)
			r.Put("/overrides/{entityType}/{id}", s.handleUpdateOverride)
			r.Delete("/overrides/{entityType}/{id}", s.handleDeleteOverride)

			// Audit trail
			r.Get("/audit", s.handleAudit)

			r.Get("/snapshots/status", s.handleLoadStatus)
		})

		// Snapshot loads run under their own, longer deadline.
		r.Group(func(r chi.Router) {
			if s.cfg.Rate.Enabled && s.cfg.Rate.LoadLimit > 0 {
				r.Use(s.newRateLimiter(ctx, s.cfg.Rate.LoadLimit, 1).middleware)
			}
			r.Put("/snapshots/{entityType}", s.handleLoadSnapshot)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and its background cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
