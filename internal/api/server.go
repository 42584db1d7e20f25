// Package api exposes the dispatcher's operational surface over HTTP: health,
// pool status, recent lifecycle events, task submission, and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/katsubs/dispatchd/internal/events"
	"github.com/katsubs/dispatchd/internal/jobstore"
	"github.com/katsubs/dispatchd/internal/pool"
	"github.com/katsubs/dispatchd/internal/protocol"
)

// Dispatcher is the pool surface the API needs.
type Dispatcher interface {
	Write(preferred int, t *protocol.Task)
	Snapshot() pool.Snapshot
}

// JobRecorder persists and reads back durable job records.
type JobRecorder interface {
	Record(ctx context.Context, t *protocol.Task) error
	Get(ctx context.Context, jobID string) (*jobstore.Job, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// AuthToken, when set, gates everything except /healthz and /metrics
	// behind a bearer token.
	AuthToken string
}

type Server struct {
	config     Config
	dispatcher Dispatcher
	jobs       JobRecorder
	hub        *events.Hub
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

func New(config Config, dispatcher Dispatcher, jobs JobRecorder, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		jobs:       jobs,
		hub:        hub,
		metrics:    metrics,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/pool", s.handlePoolStatus)
		r.Get("/v1/events", s.handleEvents)
		r.Post("/v1/tasks", s.handleSubmitTask)
		r.Get("/v1/jobs/{jobID}", s.handleGetJob)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
