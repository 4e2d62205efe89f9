// Package api serves the HTTP interface for submitting and inspecting
// migration jobs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/storage"
	"github.com/c360studio/migrator/workflow"
	"github.com/c360studio/migrator/workspace"
)

// Server exposes the job API over HTTP.
type Server struct {
	jobs       *storage.JobStore
	submitter  *workflow.Submitter
	workspaces *workspace.Manager
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// New creates the API server. gatherer feeds /metrics; pass the
// registry the runtime's collectors are registered with.
func New(jobs *storage.JobStore, submitter *workflow.Submitter, workspaces *workspace.Manager, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		jobs:       jobs,
		submitter:  submitter,
		workspaces: workspaces,
		gatherer:   gatherer,
		logger:     logger.With("component", "api"),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/artifacts", s.handleListArtifacts)
	})
	return r
}

// CreateJobRequest is the POST /v1/jobs body. The CLI submit command
// shares it.
type CreateJobRequest struct {
	SourceRepoURL string              `json:"source_repo_url"`
	TargetRepoURL string              `json:"target_repo_url"`
	BackendStack  model.BackendStack  `json:"backend_stack"`
	DBStack       model.DBStack       `json:"db_stack"`
	CommitMode    model.CommitMode    `json:"commit_mode"`
	DBPreferences model.DBPreferences `json:"db_preferences"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	job := model.NewJob(req.SourceRepoURL, req.TargetRepoURL, req.BackendStack, req.DBStack, req.CommitMode)
	job.DBPreferences = req.DBPreferences

	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.submitter.Submit(r.Context(), job); err != nil {
		s.logger.Error("Job submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store job")
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.logger.Error("Job listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("Job lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := s.submitter.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, workflow.ErrNotCancellable):
			writeError(w, http.StatusConflict, "job already finished")
		default:
			s.logger.Error("Job cancel failed", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("Job lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	// Workspaces live on worker hosts; a job this host never worked on
	// simply has no artifacts here.
	if !s.workspaces.Exists(id) {
		writeJSON(w, http.StatusOK, []workspace.ArtifactInfo{})
		return
	}
	ws, err := s.workspaces.Get(id)
	if err != nil {
		s.logger.Error("Workspace lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open workspace")
		return
	}
	artifacts, err := ws.ListArtifacts()
	if err != nil {
		s.logger.Error("Artifact listing failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
