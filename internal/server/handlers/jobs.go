package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/lifecycle"
)

// JobService is the runner-facing job API.
type JobService interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (*job.AnnotationJob, error)
	Start(ctx context.Context, jobID string) (*job.AnnotationJob, error)
	Complete(ctx context.Context, jobID string, req lifecycle.CompleteRequest) (*job.AnnotationJob, error)
	Get(ctx context.Context, jobID string) (*job.AnnotationJob, error)
	ListByUser(ctx context.Context, userID string) ([]job.AnnotationJob, error)
}

// JobsHandler serves /v1/jobs and /v1/users/{userID}/jobs.
type JobsHandler struct {
	svc JobService
}

func NewJobsHandler(svc JobService) *JobsHandler {
	return &JobsHandler{svc: svc}
}

// JobListResponse wraps a user's jobs.
type JobListResponse struct {
	UserID string              `json:"user_id"`
	Jobs   []job.AnnotationJob `json:"jobs"`
}

func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	j, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+j.JobID)
	writeJSON(w, http.StatusCreated, j)
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *JobsHandler) Start(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Start(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *JobsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	j, err := h.svc.Complete(r.Context(), chi.URLParam(r, "jobID"), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *JobsHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	jobs, err := h.svc.ListByUser(r.Context(), userID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.AnnotationJob{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{UserID: userID, Jobs: jobs})
}
