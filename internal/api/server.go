package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/warden/internal/config"
	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/metrics"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     *engine.Engine
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
	version    string
	// cleanupMaxAge is used by POST /imports/cleanup when no max_age is given.
	cleanupMaxAge time.Duration
}

// NewServer creates a new API server
func NewServer(e *engine.Engine, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		engine:        e,
		config:        cfg,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		version:       "dev",
		cleanupMaxAge: time.Hour,
	}

	s.setupRoutes()
	return s
}

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// SetCleanupMaxAge sets the default age for POST /imports/cleanup.
func (s *Server) SetCleanupMaxAge(d time.Duration) {
	if d > 0 {
		s.cleanupMaxAge = d
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimitMiddleware)

		r.Post("/guilds/{guildID}/export", s.handleExport)
		r.Post("/guilds/{guildID}/import", s.handleImport)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.handleCreateTemplate)
			r.Post("/validate", s.handleValidate)
			r.Get("/{id}", s.handleGetTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Route("/imports", func(r chi.Router) {
			r.Get("/", s.handleListImports)
			r.Post("/cleanup", s.handleCleanupImports)
			r.Get("/{id}", s.handleImportStatus)
			r.Delete("/{id}", s.handleCancelImport)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
