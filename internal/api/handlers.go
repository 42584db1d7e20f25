package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/katsubs/dispatchd/internal/jobstore"
	"github.com/katsubs/dispatchd/internal/protocol"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// SubmitResponse is the body of POST /v1/tasks.
type SubmitResponse struct {
	UUID string `json:"uuid"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.dispatcher.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.Recent(100))
}

// handleSubmitTask records the task durably and hands it to the pool.
// Delivery is asynchronous; the reply only confirms acceptance.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var task protocol.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondError(w, http.StatusBadRequest, "invalid task payload: "+err.Error())
		return
	}
	if task.Name == "" {
		respondError(w, http.StatusBadRequest, "task name is required")
		return
	}
	if task.IsQuit() {
		respondError(w, http.StatusBadRequest, "control messages cannot be submitted")
		return
	}
	task.EnsureUUID()

	if err := s.jobs.Record(r.Context(), &task); err != nil {
		s.logger.Error("could not record job", "uuid", task.UUID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not record job")
		return
	}

	s.dispatcher.Write(0, &task)

	respondJSON(w, http.StatusAccepted, SubmitResponse{UUID: task.UUID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Get(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("could not load job", "job_id", jobID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// authMiddleware requires the configured bearer token. With no token
// configured the API is open; the embedding deployment decides.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.config.AuthToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone; nothing useful left to do.
		return
	}
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
