package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/jobrunner/strata/internal/application"
	"github.com/jobrunner/strata/internal/domain"
)

// ImportRequest is the body of an import submission.
type ImportRequest struct {
	// Source is the upload to import, resolved against the work
	// directory when relative. Archive members are addressed as
	// "archive.zip!member".
	Source string `json:"source"`

	// Configs are the per-layer configuration entries. When empty, a
	// default configuration is derived for every described layer.
	Configs []domain.LayerConfiguration `json:"configs,omitempty"`

	// Kwargs are opaque extra context forwarded verbatim to every
	// pipeline handler.
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// handleDescribe inspects a source and returns its layer descriptions
// together with suggested per-layer configurations.
func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		s.writeError(w, http.StatusBadRequest, "source parameter required")
		return
	}
	source = s.resolveSource(source)

	if err := s.inspect.ValidateFile(r.Context(), source); err != nil {
		s.handleServiceError(w, err)
		return
	}

	descriptions, err := s.inspect.DescribeFields(r.Context(), source)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	fileType, err := s.inspect.FileType(r.Context(), source)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":            source,
		"file_type":         fileType,
		"layers":            descriptions,
		"suggested_configs": application.DefaultConfigurations(descriptions),
	})
}

// handleSubmitImport validates the source, fills in default
// configurations when none were supplied, and queues an import job.
func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source required")
		return
	}
	source := s.resolveSource(req.Source)

	if err := s.inspect.ValidateFile(r.Context(), source); err != nil {
		s.handleServiceError(w, err)
		return
	}

	configs := req.Configs
	if len(configs) == 0 {
		descriptions, err := s.inspect.DescribeFields(r.Context(), source)
		if err != nil {
			s.handleServiceError(w, err)
			return
		}
		configs = application.DefaultConfigurations(descriptions)
	}

	// The job outlives this request.
	job := s.jobs.Submit(context.WithoutCancel(r.Context()), source, configs, req.Kwargs)

	s.writeJSON(w, http.StatusAccepted, job)
}

// handleListJobs returns all known jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.ListJobs()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a single job by id.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	job, err := s.jobs.GetJob(vars["jobId"])
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":       boolToStatus(details.Healthy),
		"ready":        details.Ready,
		"jobs_queued":  details.JobsQueued,
		"jobs_running": details.JobsRunning,
		"components":   details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// resolveSource resolves a relative source against the work directory.
// Archive member suffixes ("!layer") survive the join untouched.
func (s *Server) resolveSource(source string) string {
	if s.workDir == "" || filepath.IsAbs(source) {
		return source
	}
	return filepath.Join(s.workDir, source)
}

// handleServiceError maps application errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		s.writeError(w, http.StatusBadRequest, validationErr.Error())
		return
	}

	if errors.Is(err, domain.ErrFileTypeNotAllowed) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Unopenable sources are the caller's problem, not ours.
	if errors.Is(err, domain.ErrNoDataSource) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.logger.Error("request failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, "Internal error")
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
