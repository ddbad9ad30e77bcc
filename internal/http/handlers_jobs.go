// Package httpx provides HTTP handlers and utilities for the winpack orchestration API.
package httpx

import (
	"errors"
	"net/http"

	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/service"
)

// JobHandlers provides HTTP handlers for packaging-job operations.
type JobHandlers struct {
	Svc *service.JobService
}

// CreateJob handles HTTP requests to enqueue a new packaging job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePackagingJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "create_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// GetJob handles HTTP requests to fetch one packaging job.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	job, err := h.Svc.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
			return
		}
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// JobStats handles HTTP requests for per-status job counts.
func (h *JobHandlers) JobStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_query", Err: errors.New("user_id is required")},
		)
		return
	}

	stats, err := h.Svc.Stats(r.Context(), userID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// CancelJob handles HTTP requests to cancel a non-terminal job.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	cancelled, err := h.Svc.Cancel(r.Context(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if !cancelled {
		WriteError(w, ErrorParams{
			Code:    http.StatusConflict,
			ErrCode: "not_cancellable",
			Err:     errors.New("job is already terminal or does not exist"),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs/stats", h.JobStats)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJob)
}
