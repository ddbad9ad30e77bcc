package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// PollerServiceOptions groups dependencies for PollerService.
type PollerServiceOptions struct {
	Jobs    *JobService         // Required: job service
	Repo    core.JobRepository  // Required: job repository (claim/heartbeat path)
	Handler core.JobHandler     // Required: packaging pipeline
	Config  config.PollerConfig // Required: poller configuration
	Logger  *slog.Logger        // Optional: structured logger
}

// PollerService claims queued packaging jobs and drives them to a terminal
// status through the packaging pipeline.
//
// Each tick a worker:
//  1. sweeps stale in-progress jobs back to the queue,
//  2. claims the oldest queued job,
//  3. heartbeats it at a third of the stale timeout while the handler runs,
//  4. finalizes, skips, or fails the job from the handler's result.
type PollerService struct {
	jobs    *JobService
	repo    core.JobRepository
	handler core.JobHandler
	config  config.PollerConfig
	logger  *slog.Logger
}

// NewPollerService constructs a new PollerService.
func NewPollerService(opts PollerServiceOptions) (*PollerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("JobHandler is required")
	}
	if opts.Config.Interval <= 0 || opts.Config.StaleTimeout <= 0 {
		return nil, errors.New("poller interval and stale timeout must be positive")
	}
	if opts.Config.PackagerID == "" {
		return nil, errors.New("packager id is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "poller_service")
	}

	return &PollerService{
		jobs:    opts.Jobs,
		repo:    opts.Repo,
		handler: opts.Handler,
		config:  opts.Config,
		logger:  logger,
	}, nil
}

// Run starts the stale sweep and worker goroutines and blocks until the
// context is cancelled. Returns nil on graceful shutdown.
func (s *PollerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting poller",
			"packager_id", s.config.PackagerID,
			"interval", s.config.Interval,
			"stale_timeout", s.config.StaleTimeout,
			"concurrency", s.config.Concurrency)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.sweepLoop(ctx)
	})
	for i := 0; i < s.config.Concurrency; i++ {
		g.Go(func() error {
			return s.workerLoop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweepLoop periodically requeues jobs whose packager stopped heartbeating.
func (s *PollerService) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.repo.RecoverStale(ctx, time.Time{}, s.config.StaleTimeout); err != nil {
			if isContextErr(err) {
				return ctx.Err()
			}
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "stale sweep failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *PollerService) workerLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		job, err := s.repo.ClaimNext(ctx, core.ClaimNextParams{PackagerID: s.config.PackagerID})
		switch {
		case err == nil:
			s.processJob(ctx, job)
			// Immediately try for the next job while the queue is non-empty.
			continue
		case errors.Is(err, model.ErrNoJobsAvailable):
			// Queue empty, wait for the next tick.
		case isContextErr(err):
			return ctx.Err()
		default:
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "claim failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processJob drives one claimed job to a terminal status. The job context is
// cancelled if a heartbeat is rejected, meaning the claim was lost or the job
// was cancelled out of band.
func (s *PollerService) processJob(ctx context.Context, job *model.PackagingJob) {
	started := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeatLoop(jobCtx, cancel, job.ID)
	}()

	progress := func(update model.JobProgressUpdate) {
		if _, perr := s.jobs.UpdateProgress(jobCtx, job.ID, update); perr != nil && s.logger != nil {
			s.logger.WarnContext(jobCtx, "progress update failed", "job_id", job.ID, "error", perr)
		}
	}

	err := s.handler.Execute(jobCtx, job, progress)
	cancel()
	<-hbDone

	// Terminal writes use the parent context; the job context may already be
	// cancelled by a lost claim.
	switch {
	case err == nil:
		if _, ferr := s.jobs.Finalize(ctx, model.JobOutcome{
			JobID:  job.ID,
			Status: model.JobStatusDeployed,
		}, started); ferr != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "finalize failed", "job_id", job.ID, "error", ferr)
		}
	case errors.Is(err, model.ErrDuplicateDeployment):
		if _, ferr := s.jobs.Finalize(ctx, model.JobOutcome{
			JobID:   job.ID,
			Status:  model.JobStatusDuplicateSkipped,
			Message: err.Error(),
		}, started); ferr != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "finalize skip failed", "job_id", job.ID, "error", ferr)
		}
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Claim lost mid-run. The stale sweep or an out-of-band cancel owns the
		// job now; writing a failure here could clobber the new claimant.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "job claim lost mid-run", "job_id", job.ID)
		}
	default:
		if _, ferr := s.jobs.Fail(ctx, job.ID, err); ferr != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "fail transition errored", "job_id", job.ID, "error", ferr)
		}
	}
}

// heartbeatLoop refreshes the claim until the job context ends. A rejected
// heartbeat cancels the job context so the handler stops promptly.
func (s *PollerService) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID string) {
	interval := s.config.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		alive, err := s.repo.Heartbeat(ctx, jobID, s.config.PackagerID)
		if err != nil {
			if isContextErr(err) {
				return
			}
			if s.logger != nil {
				s.logger.WarnContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
			}
			continue
		}
		if !alive {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "heartbeat rejected, abandoning job", "job_id", jobID)
			}
			cancel()
			return
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
