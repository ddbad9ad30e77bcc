package httpx

import (
	"errors"
	"net/http"

	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/service"
)

// BatchHandlers provides HTTP handlers for batch deployment operations.
type BatchHandlers struct {
	Svc *service.BatchService
}

// CreateBatch handles HTTP requests to create a new batch deployment.
func (h *BatchHandlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBatchRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	batch, err := h.Svc.CreateBatch(r.Context(), &req)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "create_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusCreated, batch)
}

// GetBatch handles HTTP requests to fetch one batch deployment with its items.
func (h *BatchHandlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("batch id is required")},
		)
		return
	}

	batch, items, err := h.Svc.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, data.ErrBatchNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
			return
		}
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"batch": batch, "items": items})
}

func registerBatchRoutes(mux *http.ServeMux, h *BatchHandlers) {
	mux.HandleFunc("POST /api/batches", h.CreateBatch)
	mux.HandleFunc("GET /api/batches/{id}", h.GetBatch)
}
