package httpx

import (
	"log/slog"
	"net/http"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs        *service.JobService
	Batches     *service.BatchService
	UpdateCheck *service.UpdateCheckService
	Notifier    *service.NotifierService
	Delivery    *service.WebhookDeliveryService
	Policies    core.PolicyRepository

	// CronSecret authorizes the scheduled-trigger endpoints. Empty disables them.
	CronSecret string

	Logger *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs})
	registerBatchRoutes(mux, &BatchHandlers{Svc: services.Batches})
	if services.Policies != nil {
		registerPolicyRoutes(mux, &PolicyHandlers{Repo: services.Policies})
	}

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	if services.CronSecret != "" {
		registerCronRoutes(mux, &CronHandlers{
			Batches:     services.Batches,
			UpdateCheck: services.UpdateCheck,
			Notifier:    services.Notifier,
			Delivery:    services.Delivery,
		}, services.CronSecret)
	}

	var handler http.Handler = mux
	if services.Logger != nil {
		handler = Logging(services.Logger)(handler)
		handler = Recover(services.Logger)(handler)
	}
	return handler
}
