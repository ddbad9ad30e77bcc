package httpx

import (
	"errors"
	"net/http"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// PolicyHandlers provides HTTP handlers for per-package update policies.
type PolicyHandlers struct {
	Repo core.PolicyRepository
}

// PutPolicy creates or replaces the policy governing one (user, tenant, package).
func (h *PolicyHandlers) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var policy model.AppUpdatePolicy
	if !DecodeJSON(w, r, &policy) {
		return
	}
	if err := policy.Validate(); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_policy", Err: err})
		return
	}

	saved, err := h.Repo.Upsert(r.Context(), &policy)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, saved)
}

// GetPolicy fetches the policy for the scope given in query parameters.
func (h *PolicyHandlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := model.PolicyKey{
		UserID:   q.Get("user_id"),
		TenantID: q.Get("tenant_id"),
		WingetID: q.Get("winget_id"),
	}
	if key.UserID == "" || key.TenantID == "" || key.WingetID == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_query",
			Err:     errors.New("user_id, tenant_id, and winget_id are required"),
		})
		return
	}

	policy, err := h.Repo.GetByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, data.ErrPolicyNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
			return
		}
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, policy)
}

func registerPolicyRoutes(mux *http.ServeMux, h *PolicyHandlers) {
	mux.HandleFunc("PUT /api/policies", h.PutPolicy)
	mux.HandleFunc("GET /api/policies", h.GetPolicy)
}
