// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/strata/internal/application"
	"github.com/jobrunner/strata/internal/config"
	"github.com/jobrunner/strata/internal/ports/input"
)

// Server wraps the HTTP server with application handlers.
type Server struct {
	server  *http.Server
	router  *mux.Router
	inspect input.InspectService
	jobs    *application.JobManager
	health  input.HealthService
	logger  *slog.Logger
	config  config.ServerConfig

	// workDir resolves relative upload sources.
	workDir string

	// metricsHandler serves the metrics endpoint when non-nil.
	metricsHandler http.Handler
	metricsPath    string
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg config.ServerConfig,
	inspect input.InspectService,
	jobs *application.JobManager,
	health input.HealthService,
	workDir string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		inspect: inspect,
		jobs:    jobs,
		health:  health,
		logger:  logger,
		config:  cfg,
		workDir: workDir,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// WithMetrics mounts a metrics handler at the given path. Must be
// called before Start.
func (s *Server) WithMetrics(path string, handler http.Handler) {
	s.metricsHandler = handler
	s.metricsPath = path
	s.router.Handle(path, handler).Methods(http.MethodGet)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	// Inspection endpoint used by the upload UI to populate its
	// configuration form.
	api.HandleFunc("/describe", s.handleDescribe).Methods(http.MethodGet)

	// Import submission and job tracking
	api.HandleFunc("/imports", s.handleSubmitImport).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}", s.handleGetJob).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
