package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/adapters/packager"
	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/mail"
	"github.com/winpackhq/winpack/internal/observability/statsd"
	"github.com/winpackhq/winpack/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs        *service.JobService
	Batches     *service.BatchService
	UpdateCheck *service.UpdateCheckService
	AutoUpdate  *service.AutoUpdateService
	Notifier    *service.NotifierService
	Delivery    *service.WebhookDeliveryService
	Retention   *service.RetentionService

	// Policies backs the policy CRUD endpoints directly; policy management has
	// no orchestration logic of its own.
	Policies core.PolicyRepository

	// Poller is only built when the poller service mode is enabled; it needs a
	// reachable packaging engine.
	Poller *service.PollerService

	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Jobs          *data.JobRepo
	Batches       *data.BatchRepo
	Policies      *data.PolicyRepo
	Results       *data.UpdateResultRepo
	Webhooks      *data.WebhookRepo
	Tenants       *data.TenantRepo
	Notifications *data.NotificationRepo
	Catalog       core.Catalog
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "winpack",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps) *serviceRepositories {
	repoCfg := data.RepoConfig{Logger: deps.Logger}

	var catalog core.Catalog = data.NewCatalogRepo(deps.DB, repoCfg)
	if deps.RedisClient != nil {
		cached, err := data.NewCachedCatalog(catalog, deps.RedisClient, data.CachedCatalogConfig{
			TTL:    deps.Config.Redis.CatalogTTL,
			Logger: deps.Logger,
		})
		if err != nil && deps.Logger != nil {
			deps.Logger.Warn("catalog cache disabled", "error", err)
		} else if err == nil {
			catalog = cached
		}
	}

	return &serviceRepositories{
		Jobs:          data.NewJobRepo(deps.DB, repoCfg),
		Batches:       data.NewBatchRepo(deps.DB, repoCfg),
		Policies:      data.NewPolicyRepo(deps.DB, repoCfg),
		Results:       data.NewUpdateResultRepo(deps.DB, repoCfg),
		Webhooks:      data.NewWebhookRepo(deps.DB, repoCfg),
		Tenants:       data.NewTenantRepo(deps.DB, repoCfg),
		Notifications: data.NewNotificationRepo(deps.DB, repoCfg),
		Catalog:       catalog,
	}
}

// NewServices wires every application service from shared infrastructure.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("service deps require config and database")
	}

	cfg := deps.Config
	logger := deps.Logger
	obs := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps)

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:    repos.Jobs,
		Logger:  logger,
		Metrics: obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("job service: %w", err)
	}

	delivery, err := service.NewWebhookDeliveryService(service.WebhookDeliveryServiceOptions{
		Repo:    repos.Webhooks,
		Config:  cfg.Notifier,
		Logger:  logger,
		Metrics: obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("webhook delivery service: %w", err)
	}

	notifier, err := service.NewNotifierService(service.NotifierServiceOptions{
		Repos: service.NotifierRepos{
			Results:       repos.Results,
			Webhooks:      repos.Webhooks,
			Notifications: repos.Notifications,
			Tenants:       repos.Tenants,
		},
		Mailer:   buildMailer(cfg.Mail, logger),
		Delivery: delivery,
		Config:   cfg.Notifier,
		Logger:   logger,
		Metrics:  obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("notifier service: %w", err)
	}

	batches, err := service.NewBatchService(service.BatchServiceOptions{
		Repo:    repos.Batches,
		Tenants: repos.Tenants,
		Jobs:    jobs,
		Config:  cfg.Batch,
		Logger:  logger,
		Metrics: obs.MetricsSink,
		Events:  notifier,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("batch service: %w", err)
	}

	autoUpdate, err := service.NewAutoUpdateService(service.AutoUpdateServiceOptions{
		Policies: repos.Policies,
		Catalog:  repos.Catalog,
		Jobs:     jobs,
		Config:   cfg.UpdateCheck,
		Logger:   logger,
		Metrics:  obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("auto-update service: %w", err)
	}

	updateCheck, err := service.NewUpdateCheckService(service.UpdateCheckServiceOptions{
		Results:    repos.Results,
		Tenants:    repos.Tenants,
		Policies:   repos.Policies,
		Catalog:    repos.Catalog,
		AutoUpdate: autoUpdate,
		Config:     cfg.UpdateCheck,
		Logger:     logger,
		Metrics:    obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("update check service: %w", err)
	}

	retention, err := service.NewRetentionService(service.RetentionServiceOptions{
		Jobs:       repos.Jobs,
		Webhooks:   repos.Webhooks,
		Detections: repos.Results,
		Config:     cfg.Retention,
		Logger:     logger,
		Metrics:    obs.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("retention service: %w", err)
	}

	// Failed jobs fan out to the owning user's webhooks.
	jobs.OnCompletion(func(ctx context.Context, outcome model.JobOutcome) {
		if outcome.Status != model.JobStatusFailed {
			return
		}
		job, jerr := jobs.GetByID(ctx, outcome.JobID)
		if jerr != nil {
			if logger != nil {
				logger.WarnContext(ctx, "job lookup for failure event failed",
					"job_id", outcome.JobID, "error", jerr)
			}
			return
		}
		notifier.PublishJobFailed(ctx, job)
	})

	container := ServiceContainer{
		Jobs:          jobs,
		Batches:       batches,
		UpdateCheck:   updateCheck,
		AutoUpdate:    autoUpdate,
		Notifier:      notifier,
		Delivery:      delivery,
		Retention:     retention,
		Policies:      repos.Policies,
		Observability: obs,
	}

	if cfg.IsPollerEnabled() {
		poller, perr := buildPoller(cfg, repos, jobs, logger)
		if perr != nil {
			return ServiceContainer{}, perr
		}
		container.Poller = poller
	}

	return container, nil
}

func buildMailer(cfg config.MailConfig, logger *slog.Logger) core.Mailer {
	if !cfg.Enabled() {
		if logger != nil {
			logger.Info("email channel disabled", "reason", "SMTP_HOST not set")
		}
		return nil
	}
	mailer, err := mail.NewMailer(mail.MailerOptions{Config: cfg, Logger: logger})
	if err != nil {
		if logger != nil {
			logger.Error("email channel disabled", "error", err)
		}
		return nil
	}
	return mailer
}

func buildPoller(
	cfg *config.AppConfig,
	repos *serviceRepositories,
	jobs *service.JobService,
	logger *slog.Logger,
) (*service.PollerService, error) {
	engine, err := packager.NewEngineClient(packager.EngineClientOptions{
		BaseURL: cfg.Packager.EngineURL,
		Timeout: cfg.Packager.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("packaging engine client: %w", err)
	}

	pipeline, err := packager.NewPipeline(packager.PipelineOptions{
		Tenants: repos.Tenants,
		Catalog: repos.Catalog,
		Engine:  engine,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("packaging pipeline: %w", err)
	}

	pollerCfg := cfg.Poller
	if pollerCfg.PackagerID == "" {
		pollerCfg.PackagerID = defaultPackagerID()
	}

	poller, err := service.NewPollerService(service.PollerServiceOptions{
		Jobs:    jobs,
		Repo:    repos.Jobs,
		Handler: pipeline,
		Config:  pollerCfg,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("poller service: %w", err)
	}
	return poller, nil
}

// defaultPackagerID derives a unique worker identity from the hostname.
func defaultPackagerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "packager"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ServiceOrchestrationConfig groups dependencies for running services.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const shutdownWaitTimeout = 30 * time.Second

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Config.IsHTTPServerEnabled() {
		server := StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return ShutdownHTTPServer(ShutdownConfig{Server: server, Logger: logger})
		})
	}

	for _, svc := range enabledBackgroundServices(cfg.Config, cfg.Services) {
		svc := svc
		group.Go(func() error {
			logger.InfoContext(groupCtx, "background service started", "service", svc.name)
			if err := svc.run(groupCtx); err != nil {
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			logger.InfoContext(groupCtx, "background service stopped", "service", svc.name)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type backgroundService struct {
	name string
	run  func(context.Context) error
}

func enabledBackgroundServices(cfg *config.AppConfig, services ServiceContainer) []backgroundService {
	var out []backgroundService

	if cfg.IsPollerEnabled() && services.Poller != nil {
		out = append(out, backgroundService{name: "poller", run: services.Poller.Run})
	}
	if cfg.IsBatchOrchestratorEnabled() {
		out = append(out, backgroundService{name: "batch orchestrator", run: services.Batches.Run})
	}
	if cfg.IsUpdateCheckerEnabled() {
		out = append(out, backgroundService{name: "update checker", run: services.UpdateCheck.Run})
	}
	if cfg.IsNotifierEnabled() {
		out = append(out, backgroundService{name: "notifier", run: services.Notifier.Run})
	}
	if cfg.IsRetentionEnabled() {
		out = append(out, backgroundService{name: "retention", run: services.Retention.Run})
	}

	return out
}
