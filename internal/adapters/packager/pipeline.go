// Package packager implements the packaging pipeline behind the job poller.
// The heavy stages (conversion, validation, Intune upload) run in an external
// packaging engine; this adapter orchestrates them and owns the in-process
// stages: tenant authentication, installer resolution, and duplicate detection.
package packager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/domain/version"
)

// PipelineOptions groups dependencies for Pipeline.
type PipelineOptions struct {
	Tenants core.TenantRepository // Required: tenant and inventory reads
	Catalog core.Catalog          // Required: installer metadata lookups
	Engine  *EngineClient         // Required: external packaging engine
	Logger  *slog.Logger          // Optional: structured logger
}

// Pipeline runs one packaging job end to end: authenticate, download
// resolution, duplicate check, then package/test/upload/assign through the
// engine. It implements the job poller's handler contract.
type Pipeline struct {
	tenants core.TenantRepository
	catalog core.Catalog
	engine  *EngineClient
	logger  *slog.Logger
}

// NewPipeline constructs a new Pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Tenants == nil {
		return nil, errors.New("TenantRepository is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("Catalog is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("EngineClient is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "packager_pipeline")
	}

	return &Pipeline{
		tenants: opts.Tenants,
		catalog: opts.Catalog,
		engine:  opts.Engine,
		logger:  logger,
	}, nil
}

// Execute runs the full pipeline for one claimed job. A returned
// model.JobFailure carries the stage and category for the job record;
// model.ErrDuplicateDeployment short-circuits to duplicate_skipped.
func (p *Pipeline) Execute(ctx context.Context, job *model.PackagingJob, progress func(model.JobProgressUpdate)) error {
	progress(model.JobProgressUpdate{Status: model.JobStatusPackaging, ProgressPct: 5, Message: "authenticating tenant"})
	if err := p.authenticate(ctx, job); err != nil {
		return err
	}

	progress(model.JobProgressUpdate{Status: model.JobStatusPackaging, ProgressPct: 15, Message: "resolving installer"})
	installer, err := p.resolveInstaller(ctx, job)
	if err != nil {
		return err
	}

	if err := p.checkDuplicate(ctx, job); err != nil {
		return err
	}

	progress(model.JobProgressUpdate{Status: model.JobStatusPackaging, ProgressPct: 30, Message: "converting installer"})
	packageRef, err := p.engine.Package(ctx, job, installer)
	if err != nil {
		return stageFailure(model.FailureStagePackage, err)
	}

	progress(model.JobProgressUpdate{Status: model.JobStatusTesting, ProgressPct: 60, Message: "validating package"})
	if err := p.engine.Test(ctx, job.ID, packageRef); err != nil {
		return stageFailure(model.FailureStageTest, err)
	}

	progress(model.JobProgressUpdate{Status: model.JobStatusUploading, ProgressPct: 80, Message: "uploading to Intune"})
	intuneAppID, err := p.engine.Upload(ctx, job, packageRef)
	if err != nil {
		return stageFailure(model.FailureStageUpload, err)
	}

	progress(model.JobProgressUpdate{Status: model.JobStatusUploading, ProgressPct: 95, Message: "assigning app"})
	if err := p.engine.Assign(ctx, job, intuneAppID); err != nil {
		return stageFailure(model.FailureStageFinalize, err)
	}

	if p.logger != nil {
		p.logger.InfoContext(ctx, "pipeline finished",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"winget_id", job.WingetID,
			"intune_app_id", intuneAppID)
	}
	return nil
}

func (p *Pipeline) authenticate(ctx context.Context, job *model.PackagingJob) error {
	tenant, err := p.tenants.GetByID(ctx, job.TenantID)
	if err != nil {
		if errors.Is(err, data.ErrTenantNotFound) {
			return &model.JobFailure{
				Stage:    model.FailureStageAuthenticate,
				Category: model.FailureCategoryValidation,
				Message:  fmt.Sprintf("tenant %s does not exist", job.TenantID),
			}
		}
		return &model.JobFailure{
			Stage:    model.FailureStageAuthenticate,
			Category: model.FailureCategorySystem,
			Message:  fmt.Sprintf("load tenant: %v", err),
		}
	}

	if !tenant.Deployable() {
		return &model.JobFailure{
			Stage:    model.FailureStageAuthenticate,
			Category: model.FailureCategoryPermission,
			Message:  fmt.Sprintf("tenant %s is not deployable (active=%t, consent=%s)", tenant.ID, tenant.IsActive, tenant.ConsentStatus),
		}
	}
	return nil
}

func (p *Pipeline) resolveInstaller(ctx context.Context, job *model.PackagingJob) (*model.InstallerMetadata, error) {
	installer, err := p.catalog.InstallerFor(ctx, job.WingetID, job.TargetVersion)
	if err != nil {
		category := model.FailureCategorySystem
		if errors.Is(err, data.ErrInstallerNotFound) {
			category = model.FailureCategoryInstaller
		}
		return nil, &model.JobFailure{
			Stage:    model.FailureStageDownload,
			Category: category,
			Message:  fmt.Sprintf("resolve installer for %s %s: %v", job.WingetID, job.TargetVersion, err),
		}
	}
	return installer, nil
}

// checkDuplicate skips jobs whose target version is already deployed.
func (p *Pipeline) checkDuplicate(ctx context.Context, job *model.PackagingJob) error {
	apps, err := p.tenants.ListDeployedApps(ctx, job.UserID, job.TenantID)
	if err != nil {
		// Inventory read failures are not fatal: a duplicate upload is cheaper
		// than failing the whole job on a transient read error.
		if p.logger != nil {
			p.logger.WarnContext(ctx, "duplicate check skipped",
				"job_id", job.ID, "tenant_id", job.TenantID, "error", err)
		}
		return nil
	}

	for _, app := range apps {
		if app.WingetID == job.WingetID && version.Compare(app.Version, job.TargetVersion) == 0 {
			return model.ErrDuplicateDeployment
		}
	}
	return nil
}

func stageFailure(stage model.FailureStage, err error) error {
	var callErr *callError
	if errors.As(err, &callErr) {
		return &model.JobFailure{
			Stage:    stage,
			Category: callErr.Category(),
			Message:  callErr.Error(),
		}
	}
	return &model.JobFailure{
		Stage:    stage,
		Category: model.FailureCategorySystem,
		Message:  err.Error(),
	}
}
