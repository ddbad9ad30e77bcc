package httpx

import (
	"net/http"

	"github.com/winpackhq/winpack/internal/service"
)

// CronHandlers provides the scheduled-trigger endpoints. Each endpoint runs
// one pass of a background worker synchronously so external schedulers can
// drive deployments that do not run long-lived workers.
type CronHandlers struct {
	Batches     *service.BatchService
	UpdateCheck *service.UpdateCheckService
	Notifier    *service.NotifierService
	Delivery    *service.WebhookDeliveryService
}

// CronRunResult is the JSON body returned by every cron endpoint.
// Per-step errors are reported in the body with a 200 status; only auth
// failures and fatal configuration errors produce a non-2xx response.
type CronRunResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *CronRunResult) record(count int, err error) {
	r.Processed += count
	if err != nil {
		r.Failed++
		r.Errors = append(r.Errors, err.Error())
		return
	}
	r.Succeeded += count
}

// RunBatches expands pending batches and advances in-progress ones.
func (h *CronHandlers) RunBatches(w http.ResponseWriter, r *http.Request) {
	result := &CronRunResult{}

	processed, err := h.Batches.ProcessPendingBatches(r.Context())
	result.record(processed, err)

	if err := h.Batches.AdvanceInProgressBatches(r.Context()); err != nil {
		result.Failed++
		result.Errors = append(result.Errors, err.Error())
	}

	WriteJSON(w, http.StatusOK, result)
}

// RunUpdateCheck runs one full update detection scan.
func (h *CronHandlers) RunUpdateCheck(w http.ResponseWriter, r *http.Request) {
	result := &CronRunResult{}

	summary, err := h.UpdateCheck.Scan(r.Context())
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, err.Error())
		WriteJSON(w, http.StatusOK, result)
		return
	}

	result.Processed = summary.UpdatesDetected
	result.Succeeded = summary.UpdatesDetected
	result.Failed = summary.Errors
	WriteJSON(w, http.StatusOK, result)
}

// RunNotifications dispatches pending notifications and due delivery retries.
func (h *CronHandlers) RunNotifications(w http.ResponseWriter, r *http.Request) {
	result := &CronRunResult{}

	dispatched, err := h.Notifier.DispatchPending(r.Context())
	result.record(dispatched, err)

	retried, err := h.Delivery.RetryDue(r.Context())
	result.record(retried, err)

	WriteJSON(w, http.StatusOK, result)
}

func registerCronRoutes(mux *http.ServeMux, h *CronHandlers, secret string) {
	guard := RequireCronSecret(secret)
	mux.Handle("POST /api/cron/batches", guard(http.HandlerFunc(h.RunBatches)))
	mux.Handle("POST /api/cron/update-check", guard(http.HandlerFunc(h.RunUpdateCheck)))
	mux.Handle("POST /api/cron/notifications", guard(http.HandlerFunc(h.RunNotifications)))
}
