package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/g-caf/expense-match-backend/internal/api/handlers"
	"github.com/g-caf/expense-match-backend/internal/api/middleware"
	"github.com/g-caf/expense-match-backend/internal/application/service"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
	repo       storage.Repository
	matching   *service.MatchingService
	jobs       *service.JobProcessor
}

// NewServer creates a new API server.
// If jobs is nil, the job endpoints are not mounted.
func NewServer(cfg Config, repo storage.Repository, matching *service.MatchingService, jobs *service.JobProcessor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		logger:   logger,
		repo:     repo,
		matching: matching,
		jobs:     jobs,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures global middleware.
func (s *Server) setupMiddleware() {
	corsConfig := middleware.CORSConfig{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}
	s.router.Use(middleware.CORS(corsConfig))
	s.router.Use(middleware.Logging(s.logger))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check (no /api prefix - for load balancers)
	healthHandler := handlers.NewHealthHandler()
	s.router.Get("/health", healthHandler.ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		// Ingestion
		ingestHandler := handlers.NewIngestHandler(s.repo)
		r.Post("/transactions", ingestHandler.CreateTransaction)
		r.Post("/receipts", ingestHandler.CreateReceipt)

		// Matches
		matchesHandler := handlers.NewMatchesHandler(s.repo, s.matching)
		r.Get("/matches", matchesHandler.List)
		r.Get("/matches/{id}", matchesHandler.Get)
		r.Post("/matches/confirm", matchesHandler.Confirm)
		r.Post("/matches/reject", matchesHandler.Reject)
		r.Post("/matches/feedback", matchesHandler.Feedback)
		r.Get("/suggestions", matchesHandler.Suggestions)
		r.Post("/bulk-match", matchesHandler.BulkMatch)

		// Metrics
		metricsHandler := handlers.NewMetricsHandler(s.matching)
		r.Get("/metrics", metricsHandler.Get)

		// Matching configuration
		configHandler := handlers.NewConfigHandler(s.matching)
		r.Get("/config", configHandler.Get)
		r.Post("/config/learn", configHandler.ApplyLearned)

		// Merchant mappings
		mappingsHandler := handlers.NewMappingsHandler(s.repo)
		r.Get("/mappings", mappingsHandler.List)
		r.Post("/mappings/{id}/verify", mappingsHandler.Verify)

		// Run history
		runsHandler := handlers.NewRunsHandler(s.repo)
		r.Get("/runs", runsHandler.List)
		r.Get("/runs/{id}", runsHandler.Get)

		// Background jobs
		if s.jobs != nil {
			jobsHandler := handlers.NewJobsHandler(s.jobs)
			r.Post("/jobs", jobsHandler.Submit)
			r.Get("/jobs", jobsHandler.List)
			r.Get("/jobs/{id}", jobsHandler.Get)
			r.Delete("/jobs/{id}", jobsHandler.Cancel)
		}
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")

	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}
