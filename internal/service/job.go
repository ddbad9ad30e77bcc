// Package service contains the business logic layer of the winpack orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/domain/model"
	obserrors "github.com/winpackhq/winpack/internal/observability/errors"
	"github.com/winpackhq/winpack/internal/observability/metrics"
	"github.com/winpackhq/winpack/internal/observability/statsd"
)

// CompletionHook is invoked after a job reaches a terminal status. The batch
// orchestrator registers one to advance batch counters. Hooks run detached
// from the finalizing caller; a hook panic is logged, never propagated.
type CompletionHook func(ctx context.Context, outcome model.JobOutcome)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo    core.JobRepository // Required: job repository
	Logger  *slog.Logger       // Optional: structured logger
	Metrics statsd.Sink        // Optional: metrics sink (StatsD-compatible)
}

// JobService provides business logic for packaging job operations.
//
// This service manages:
// - Enqueueing jobs with validation
// - Terminal transitions (finalize, fail, cancel) with metric emission
// - Fan-out to completion hooks so batches observe job outcomes
type JobService struct {
	repo    core.JobRepository
	logger  *slog.Logger
	metrics statsd.Sink
	hooks   []CompletionHook
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		repo:    opts.Repo,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// OnCompletion registers a hook invoked after every terminal transition.
// Hooks must be registered before the service starts processing jobs.
func (s *JobService) OnCompletion(hook CompletionHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// Create enqueues a new packaging job.
func (s *JobService) Create(ctx context.Context, req *model.CreatePackagingJobRequest) (*model.PackagingJob, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job enqueued",
			"job_id", job.ID,
			"winget_id", job.WingetID,
			"tenant_id", job.TenantID,
			"target_version", job.TargetVersion)
	}
	s.emit("enqueued", metrics.ResultSuccess, 0, nil)
	return job, nil
}

// GetByID retrieves a packaging job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.PackagingJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Stats returns per-status job counts for the given user.
func (s *JobService) Stats(ctx context.Context, userID string) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// UpdateProgress applies a handler's progress report.
func (s *JobService) UpdateProgress(ctx context.Context, jobID string, update model.JobProgressUpdate) (bool, error) {
	updated, err := s.repo.UpdateProgress(ctx, jobID, update)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return updated, nil
}

// Finalize transitions an in-progress job to a terminal success status and
// notifies completion hooks. A lost race (job already terminal) is a no-op.
func (s *JobService) Finalize(ctx context.Context, outcome model.JobOutcome, started time.Time) (bool, error) {
	finalized, err := s.repo.Finalize(ctx, outcome, time.Time{})
	if err != nil {
		s.emit("finalized", metrics.ResultError, time.Since(started), err)
		return false, fmt.Errorf("finalize job: %w", err)
	}
	if !finalized {
		s.emit("finalized", metrics.ResultNoop, 0, nil)
		return false, nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job finalized",
			"job_id", outcome.JobID,
			"status", string(outcome.Status))
	}
	s.emit("finalized", metrics.ResultSuccess, time.Since(started), nil)
	s.notifyHooks(ctx, outcome)
	return true, nil
}

// Fail transitions a job to failed with structured metadata and notifies
// completion hooks.
func (s *JobService) Fail(ctx context.Context, jobID string, cause error) (bool, error) {
	params := core.FailJobParams{JobID: jobID}
	var jf *model.JobFailure
	if errors.As(cause, &jf) {
		params.Message = jf.Message
		params.Stage = jf.Stage
		params.Code = jf.Code
	} else if cause != nil {
		params.Message = cause.Error()
	}

	failed, err := s.repo.Fail(ctx, params)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if !failed {
		s.emit("failed", metrics.ResultNoop, 0, nil)
		return false, nil
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed",
			"job_id", jobID,
			"stage", string(params.Stage),
			"error_class", obserrors.Classify(cause),
			"error", params.Message)
	}
	s.emit("failed", metrics.ResultError, 0, cause)
	s.notifyHooks(ctx, model.JobOutcome{
		JobID:   jobID,
		Status:  model.JobStatusFailed,
		Message: params.Message,
	})
	return true, nil
}

// Cancel transitions any non-terminal job to cancelled and notifies hooks.
func (s *JobService) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := s.repo.Cancel(ctx, jobID, time.Time{})
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if !cancelled {
		return false, nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled", "job_id", jobID)
	}
	s.emit("cancelled", metrics.ResultSuccess, 0, nil)
	s.notifyHooks(ctx, model.JobOutcome{JobID: jobID, Status: model.JobStatusCancelled})
	return true, nil
}

// notifyHooks fans the terminal outcome out to registered hooks on a detached
// goroutine. The finalizing caller never observes hook errors or panics; the
// context survives the caller's cancellation so batch counters still advance.
func (s *JobService) notifyHooks(ctx context.Context, outcome model.JobOutcome) {
	hookCtx := context.WithoutCancel(ctx)
	go func() {
		for _, hook := range s.hooks {
			s.runHook(hookCtx, hook, outcome)
		}
	}()
}

func (s *JobService) runHook(ctx context.Context, hook CompletionHook, outcome model.JobOutcome) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "completion hook panicked",
				"job_id", outcome.JobID, "panic", r)
		}
	}()
	hook(ctx, outcome)
}

func (s *JobService) emit(transition, result string, duration time.Duration, err error) {
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: transition,
		Result:     result,
		Duration:   duration,
		Err:        err,
	})
}
