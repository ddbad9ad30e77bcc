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

// AutoUpdateServiceOptions groups dependencies for AutoUpdateService.
type AutoUpdateServiceOptions struct {
	Policies core.PolicyRepository    // Required: policy persistence
	Catalog  core.Catalog             // Required: installer metadata lookups
	Jobs     *JobService              // Required: job enqueueing
	Config   config.UpdateCheckConfig // Required: failure threshold configuration
	Logger   *slog.Logger             // Optional: structured logger
	Metrics  statsd.Sink              // Optional: metrics sink
}

// AutoUpdateService turns detected updates into packaging jobs for policies
// of type auto_update.
//
// A trigger is skipped when the policy already updated to the detected
// version, or when its consecutive failure budget is exhausted. While the job
// is enqueued the in-memory policy is temporarily disabled and restored on
// every exit path, so nothing observing the pointer re-triggers mid-flight.
type AutoUpdateService struct {
	policies core.PolicyRepository
	catalog  core.Catalog
	jobs     *JobService
	config   config.UpdateCheckConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewAutoUpdateService constructs a new AutoUpdateService.
func NewAutoUpdateService(opts AutoUpdateServiceOptions) (*AutoUpdateService, error) {
	if opts.Policies == nil {
		return nil, errors.New("PolicyRepository is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("Catalog is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "auto_update_service")
	}

	return &AutoUpdateService{
		policies: opts.Policies,
		catalog:  opts.Catalog,
		jobs:     opts.Jobs,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Trigger enqueues a packaging job for one detected update. Errors are
// absorbed into the policy's failure counter; the caller's scan continues.
func (s *AutoUpdateService) Trigger(ctx context.Context, policy *model.AppUpdatePolicy, detection *model.UpdateCheckResult) {
	if skip, reason := s.shouldSkip(policy, detection); skip {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "auto-update skipped",
				"policy_id", policy.ID,
				"winget_id", policy.WingetID,
				"reason", reason)
		}
		return
	}

	// Disable the in-memory policy for the duration of the trigger and restore
	// it on every exit path.
	snapshot := policy.Snapshot()
	policy.IsEnabled = false
	defer policy.Restore(snapshot)

	if err := s.enqueue(ctx, policy, detection); err != nil {
		s.record(ctx, policy, detection.LatestVersion, false)
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "auto-update trigger failed",
				"policy_id", policy.ID,
				"winget_id", policy.WingetID,
				"error", err)
		}
		if s.metrics != nil {
			s.metrics.Count("auto_update.triggered", 1, map[string]string{"result": "error"})
		}
		return
	}

	s.record(ctx, policy, detection.LatestVersion, true)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "auto-update job enqueued",
			"policy_id", policy.ID,
			"winget_id", policy.WingetID,
			"version", detection.LatestVersion)
	}
	if s.metrics != nil {
		s.metrics.Count("auto_update.triggered", 1, map[string]string{"result": "success"})
	}
}

func (s *AutoUpdateService) shouldSkip(policy *model.AppUpdatePolicy, detection *model.UpdateCheckResult) (bool, string) {
	if !policy.IsEnabled || policy.PolicyType != model.PolicyTypeAutoUpdate {
		return true, "policy not an enabled auto_update"
	}
	if policy.ConsecutiveFailures >= s.config.MaxAutoUpdateFailures {
		return true, fmt.Sprintf("failure budget exhausted (%d)", policy.ConsecutiveFailures)
	}
	if policy.LastAutoUpdateVer != nil && *policy.LastAutoUpdateVer == detection.LatestVersion {
		return true, "version already auto-updated"
	}
	return false, ""
}

func (s *AutoUpdateService) enqueue(ctx context.Context, policy *model.AppUpdatePolicy, detection *model.UpdateCheckResult) error {
	// The installer must exist for the detected version before a job is queued.
	if _, err := s.catalog.InstallerFor(ctx, detection.WingetID, detection.LatestVersion); err != nil {
		return fmt.Errorf("resolve installer: %w", err)
	}

	if _, err := s.jobs.Create(ctx, &model.CreatePackagingJobRequest{
		UserID:        policy.UserID,
		TenantID:      policy.TenantID,
		WingetID:      policy.WingetID,
		AppName:       detection.AppName,
		TargetVersion: detection.LatestVersion,
	}); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *AutoUpdateService) record(ctx context.Context, policy *model.AppUpdatePolicy, ver string, success bool) {
	err := s.policies.RecordAutoUpdateResult(ctx, core.RecordAutoUpdateParams{
		PolicyID: policy.ID,
		Version:  ver,
		Success:  success,
		Now:      time.Now(),
	})
	if err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "record auto-update result failed",
			"policy_id", policy.ID, "error", err)
	}
}
