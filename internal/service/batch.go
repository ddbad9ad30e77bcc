package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/observability/statsd"
)

// BatchEventPublisher receives batch terminal transitions for outbound fan-out.
type BatchEventPublisher interface {
	PublishBatchCompleted(ctx context.Context, batch *model.BatchDeployment)
}

// BatchServiceOptions groups dependencies for BatchService.
type BatchServiceOptions struct {
	Repo    core.BatchRepository  // Required: batch repository
	Tenants core.TenantRepository // Required: tenant repository
	Jobs    *JobService           // Required: job service
	Config  config.BatchConfig    // Required: orchestrator configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink
	Events  BatchEventPublisher   // Optional: terminal-transition fan-out
}

// BatchService orchestrates multi-tenant batch deployments.
//
// A batch moves pending -> in_progress when its per-tenant items and jobs are
// created, and in_progress -> completed once every item is terminal. Item
// outcomes arrive through the job completion hook; the periodic sweep
// reconciles anything the hook missed.
type BatchService struct {
	repo    core.BatchRepository
	tenants core.TenantRepository
	jobs    *JobService
	config  config.BatchConfig
	logger  *slog.Logger
	metrics statsd.Sink
	events  BatchEventPublisher
}

// NewBatchService constructs a new BatchService and registers its completion
// hook on the job service.
func NewBatchService(opts BatchServiceOptions) (*BatchService, error) {
	if opts.Repo == nil {
		return nil, errors.New("BatchRepository is required")
	}
	if opts.Tenants == nil {
		return nil, errors.New("TenantRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "batch_service")
	}

	s := &BatchService{
		repo:    opts.Repo,
		tenants: opts.Tenants,
		jobs:    opts.Jobs,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	opts.Jobs.OnCompletion(s.OnJobCompleted)
	return s, nil
}

// CreateBatch records a new pending batch deployment. Expansion into
// per-tenant items happens asynchronously in ProcessPendingBatches.
func (s *BatchService) CreateBatch(ctx context.Context, req *model.CreateBatchRequest) (*model.BatchDeployment, error) {
	batch, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if err := s.repo.AppendAudit(ctx, &model.BatchAuditEntry{
		BatchID: batch.ID,
		Action:  "created",
		Detail:  fmt.Sprintf("%s %s requested", batch.WingetID, batch.TargetVersion),
	}); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit append failed", "batch_id", batch.ID, "error", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "batch created",
			"batch_id", batch.ID,
			"winget_id", batch.WingetID,
			"target_version", batch.TargetVersion)
	}
	if s.metrics != nil {
		s.metrics.Count("batch.created", 1, nil)
	}
	return batch, nil
}

// GetBatch returns one batch with its items.
func (s *BatchService) GetBatch(ctx context.Context, id string) (*model.BatchDeployment, []*model.BatchItem, error) {
	batch, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get batch: %w", err)
	}
	items, err := s.repo.ListItems(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list batch items: %w", err)
	}
	return batch, items, nil
}

// ProcessPendingBatches expands pending batches into per-tenant items and
// packaging jobs. Returns the number of batches started.
func (s *BatchService) ProcessPendingBatches(ctx context.Context) (int, error) {
	pending, err := s.repo.ListByStatus(ctx, model.BatchStatusPending, s.config.MaxPendingPerTick)
	if err != nil {
		return 0, fmt.Errorf("list pending batches: %w", err)
	}

	started := 0
	for _, batch := range pending {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		ok, err := s.expandBatch(ctx, batch)
		if err != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "batch expansion failed", "batch_id", batch.ID, "error", err)
			}
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

// expandBatch fans one pending batch out across the user's deployable tenants.
// It reports whether the batch actually started; a batch failed for having no
// deployable tenants, or claimed by another orchestrator, did not start.
func (s *BatchService) expandBatch(ctx context.Context, batch *model.BatchDeployment) (bool, error) {
	tenants, err := s.tenants.ListDeployable(ctx, batch.UserID)
	if err != nil {
		return false, fmt.Errorf("list deployable tenants: %w", err)
	}

	if len(tenants) == 0 {
		if _, err := s.repo.FailBatch(ctx, batch.ID, "no deployable tenants"); err != nil {
			return false, fmt.Errorf("fail empty batch: %w", err)
		}
		if s.logger != nil {
			s.logger.WarnContext(ctx, "batch had no deployable tenants", "batch_id", batch.ID)
		}
		return false, nil
	}

	// Total is committed before any job exists so counters have a fixed target.
	if ok, err := s.repo.StartBatch(ctx, batch.ID, len(tenants)); err != nil {
		return false, fmt.Errorf("start batch: %w", err)
	} else if !ok {
		// Another orchestrator instance won the expansion.
		return false, nil
	}

	for _, tenant := range tenants {
		if err := s.createItemWithJob(ctx, batch, tenant); err != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "batch item setup failed",
				"batch_id", batch.ID, "tenant_id", tenant.ID, "error", err)
		}
	}

	if err := s.repo.AppendAudit(ctx, &model.BatchAuditEntry{
		BatchID: batch.ID,
		Action:  "started",
		Detail:  fmt.Sprintf("expanded to %d tenants", len(tenants)),
	}); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit append failed", "batch_id", batch.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.Count("batch.started", 1, nil)
		s.metrics.Gauge("batch.fanout", float64(len(tenants)), nil)
	}
	return true, nil
}

func (s *BatchService) createItemWithJob(ctx context.Context, batch *model.BatchDeployment, tenant *model.Tenant) error {
	item, err := s.repo.CreateItem(ctx, &model.BatchItem{
		BatchID:  batch.ID,
		TenantID: tenant.ID,
		Status:   model.BatchItemStatusPending,
	})
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}

	job, err := s.jobs.Create(ctx, &model.CreatePackagingJobRequest{
		UserID:        batch.UserID,
		TenantID:      tenant.ID,
		WingetID:      batch.WingetID,
		AppName:       batch.AppName,
		TargetVersion: batch.TargetVersion,
		BatchItemID:   &item.ID,
	})
	if err != nil {
		// The item still counts toward the batch total, so it fails in place.
		if _, ferr := s.repo.FailItem(ctx, item.ID, "job creation failed: "+err.Error()); ferr != nil {
			return fmt.Errorf("fail item after job error: %w (job error: %w)", ferr, err)
		}
		return fmt.Errorf("create job: %w", err)
	}

	if _, err := s.repo.AttachJob(ctx, item.ID, job.ID); err != nil {
		return fmt.Errorf("attach job: %w", err)
	}
	return nil
}

// OnJobCompleted is the job completion hook. It maps the job outcome onto the
// owning batch item and completes the batch when the last item lands. Jobs
// outside any batch produce no item update and return immediately.
func (s *BatchService) OnJobCompleted(ctx context.Context, outcome model.JobOutcome) {
	itemStatus := model.BatchItemStatusCompleted
	if outcome.Status == model.JobStatusFailed || outcome.Status == model.JobStatusCancelled {
		itemStatus = model.BatchItemStatusFailed
	}

	batchID, err := s.repo.RecordItemOutcome(ctx, core.RecordItemOutcomeParams{
		JobID:   outcome.JobID,
		Status:  itemStatus,
		Message: outcome.Message,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "record item outcome failed",
				"job_id", outcome.JobID, "error", err)
		}
		return
	}
	if batchID == "" {
		return
	}

	s.tryCompleteBatch(ctx, batchID)
}

// AdvanceInProgressBatches reconciles stuck items and completes any batch
// whose counters already cover every tenant. It backstops the completion hook.
func (s *BatchService) AdvanceInProgressBatches(ctx context.Context) error {
	if err := s.reconcileStuckItems(ctx); err != nil {
		return err
	}

	batches, err := s.repo.ListByStatus(ctx, model.BatchStatusInProgress, 0)
	if err != nil {
		return fmt.Errorf("list in-progress batches: %w", err)
	}
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if batch.AllItemsTerminal() {
			s.tryCompleteBatch(ctx, batch.ID)
		}
	}
	return nil
}

func (s *BatchService) reconcileStuckItems(ctx context.Context) error {
	olderThan := time.Now().Add(-s.config.StuckItemTimeout)
	stuck, err := s.repo.ListStuckItems(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("list stuck items: %w", err)
	}

	for _, item := range stuck {
		if err := ctx.Err(); err != nil {
			return err
		}
		if item.JobID == nil {
			if _, ferr := s.repo.FailItem(ctx, item.ID, "no job was created"); ferr != nil && s.logger != nil {
				s.logger.ErrorContext(ctx, "fail orphaned item errored", "item_id", item.ID, "error", ferr)
			}
			continue
		}

		job, jerr := s.jobs.GetByID(ctx, *item.JobID)
		if jerr != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "stuck item job lookup failed",
					"item_id", item.ID, "job_id", *item.JobID, "error", jerr)
			}
			continue
		}
		if !job.Status.Terminal() {
			continue
		}

		s.OnJobCompleted(ctx, model.JobOutcome{
			JobID:  job.ID,
			Status: job.Status,
		})
	}
	return nil
}

func (s *BatchService) tryCompleteBatch(ctx context.Context, batchID string) {
	completed, err := s.repo.CompleteBatch(ctx, batchID, model.BatchStatusCompleted)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "complete batch failed", "batch_id", batchID, "error", err)
		}
		return
	}
	if !completed {
		return
	}

	batch, err := s.repo.GetByID(ctx, batchID)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "load completed batch failed", "batch_id", batchID, "error", err)
		}
		return
	}

	if err := s.repo.AppendAudit(ctx, &model.BatchAuditEntry{
		BatchID: batchID,
		Action:  "completed",
		Detail:  batch.String(),
	}); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "audit append failed", "batch_id", batchID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.Count("batch.completed", 1, map[string]string{
			"had_failures": fmt.Sprintf("%t", batch.FailedTenants > 0),
		})
	}
	if s.events != nil {
		s.events.PublishBatchCompleted(ctx, batch)
	}
}

// Run ticks ProcessPendingBatches and AdvanceInProgressBatches until the
// context is cancelled. Returns nil on graceful shutdown.
func (s *BatchService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting batch orchestrator", "interval", s.config.Interval)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ProcessPendingBatches(ctx); err != nil && !isContextErr(err) && s.logger != nil {
			s.logger.ErrorContext(ctx, "process pending batches failed", "error", err)
		}
		if err := s.AdvanceInProgressBatches(ctx); err != nil && !isContextErr(err) && s.logger != nil {
			s.logger.ErrorContext(ctx, "advance batches failed", "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
