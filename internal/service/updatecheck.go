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
	"github.com/winpackhq/winpack/internal/domain/version"
	"github.com/winpackhq/winpack/internal/observability/statsd"
)

// UpdateCheckServiceOptions groups dependencies for UpdateCheckService.
type UpdateCheckServiceOptions struct {
	Results    core.UpdateResultRepository // Required: detection persistence
	Tenants    core.TenantRepository       // Required: tenant and inventory reads
	Policies   core.PolicyRepository       // Required: policy lookups
	Catalog    core.Catalog                // Required: winget catalog
	AutoUpdate *AutoUpdateService          // Optional: auto-update trigger
	Config     config.UpdateCheckConfig    // Required: scan configuration
	Logger     *slog.Logger                // Optional: structured logger
	Metrics    statsd.Sink                 // Optional: metrics sink
}

// UpdateCheckService scans deployed app inventories against the winget catalog
// and records available updates.
//
// Per (user, tenant, package) the scan collapses deployed instances to the
// highest-version one, then:
//   - skips packages governed by an ignore policy,
//   - for pin policies surfaces the update only when the catalog latest equals
//     the pinned version (the pin is ready to take effect),
//   - records a detection only when the catalog version is newer than deployed,
//   - hands auto_update policies to the auto-update trigger.
type UpdateCheckService struct {
	results    core.UpdateResultRepository
	tenants    core.TenantRepository
	policies   core.PolicyRepository
	catalog    core.Catalog
	autoUpdate *AutoUpdateService
	config     config.UpdateCheckConfig
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewUpdateCheckService constructs a new UpdateCheckService.
func NewUpdateCheckService(opts UpdateCheckServiceOptions) (*UpdateCheckService, error) {
	if opts.Results == nil {
		return nil, errors.New("UpdateResultRepository is required")
	}
	if opts.Tenants == nil {
		return nil, errors.New("TenantRepository is required")
	}
	if opts.Policies == nil {
		return nil, errors.New("PolicyRepository is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("Catalog is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "update_check_service")
	}

	return &UpdateCheckService{
		results:    opts.Results,
		tenants:    opts.Tenants,
		policies:   opts.Policies,
		catalog:    opts.Catalog,
		autoUpdate: opts.AutoUpdate,
		config:     opts.Config,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// Scan runs one full detection pass across every candidate user and purges
// detections past the retention window. Per-user errors are counted, logged,
// and do not abort the scan.
func (s *UpdateCheckService) Scan(ctx context.Context) (*model.UpdateScanSummary, error) {
	started := time.Now()
	summary := &model.UpdateScanSummary{}

	catalog, err := s.catalog.LatestVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog versions: %w", err)
	}

	policies, err := s.loadPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	userIDs, err := s.tenants.ListCandidateUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidate users: %w", err)
	}

	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := s.scanUser(ctx, userID, catalog, policies, summary); err != nil {
			summary.Errors++
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "user scan failed", "user_id", userID, "error", err)
			}
			continue
		}
		summary.UsersScanned++
	}

	purged, err := s.results.PurgeOlderThan(ctx, time.Now().Add(-s.config.RetentionAge))
	if err != nil {
		summary.Errors++
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "detection purge failed", "error", err)
		}
	}
	summary.Purged = int(purged)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "update scan finished",
			"users", summary.UsersScanned,
			"tenants", summary.TenantsScanned,
			"detected", summary.UpdatesDetected,
			"critical", summary.CriticalUpdates,
			"purged", summary.Purged,
			"errors", summary.Errors,
			"duration", time.Since(started).String())
	}
	if s.metrics != nil {
		s.metrics.Count("update_check.detected", int64(summary.UpdatesDetected), nil)
		s.metrics.Count("update_check.errors", int64(summary.Errors), nil)
		s.metrics.Timing("update_check.duration", time.Since(started), nil)
	}
	return summary, nil
}

// loadPolicies prefetches every enabled policy once per scan, keyed by scope,
// instead of a per-app lookup.
func (s *UpdateCheckService) loadPolicies(ctx context.Context) (map[model.PolicyKey]*model.AppUpdatePolicy, error) {
	policies, err := s.policies.ListByTypes(ctx, []model.PolicyType{
		model.PolicyTypeIgnore,
		model.PolicyTypePinVersion,
		model.PolicyTypeAutoUpdate,
		model.PolicyTypeNotify,
	})
	if err != nil {
		return nil, err
	}
	byKey := make(map[model.PolicyKey]*model.AppUpdatePolicy, len(policies))
	for _, policy := range policies {
		byKey[policy.Key()] = policy
	}
	return byKey, nil
}

func (s *UpdateCheckService) scanUser(
	ctx context.Context,
	userID string,
	catalog map[string]model.CatalogEntry,
	policies map[model.PolicyKey]*model.AppUpdatePolicy,
	summary *model.UpdateScanSummary,
) error {
	tenants, err := s.tenants.ListDeployable(ctx, userID)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.scanTenant(ctx, tenant, catalog, policies, summary); err != nil {
			summary.Errors++
			if s.logger != nil {
				s.logger.WarnContext(ctx, "tenant scan failed",
					"user_id", userID, "tenant_id", tenant.ID, "error", err)
			}
			continue
		}
		summary.TenantsScanned++
	}
	return nil
}

func (s *UpdateCheckService) scanTenant(
	ctx context.Context,
	tenant *model.Tenant,
	catalog map[string]model.CatalogEntry,
	policies map[model.PolicyKey]*model.AppUpdatePolicy,
	summary *model.UpdateScanSummary,
) error {
	apps, err := s.tenants.ListDeployedApps(ctx, tenant.UserID, tenant.ID)
	if err != nil {
		return fmt.Errorf("list deployed apps: %w", err)
	}

	// A package deployed at several versions in the tenant is one logical app;
	// only the highest deployed version decides whether an update is pending.
	highest := make(map[string]*model.DeployedApp, len(apps))
	for _, app := range apps {
		if _, ok := catalog[app.WingetID]; !ok {
			continue
		}
		if cur, ok := highest[app.WingetID]; !ok || version.Less(cur.Version, app.Version) {
			highest[app.WingetID] = app
		}
	}

	for wingetID, app := range highest {
		entry := catalog[wingetID]
		if err := s.checkApp(ctx, app, entry, policies[app.Key()], summary); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "app check failed",
				"tenant_id", app.TenantID, "winget_id", app.WingetID, "error", err)
			summary.Errors++
		}
	}
	return nil
}

func (s *UpdateCheckService) checkApp(
	ctx context.Context,
	app *model.DeployedApp,
	entry model.CatalogEntry,
	policy *model.AppUpdatePolicy,
	summary *model.UpdateScanSummary,
) error {
	if policy != nil && policy.IsEnabled {
		switch policy.PolicyType {
		case model.PolicyTypeIgnore:
			return nil
		case model.PolicyTypePinVersion:
			// A pin only surfaces when the catalog has caught up to it exactly.
			if policy.PinnedVersion == nil || version.Compare(entry.LatestVersion, *policy.PinnedVersion) != 0 {
				return nil
			}
		case model.PolicyTypeAutoUpdate, model.PolicyTypeNotify:
		}
	}

	// Pinned or not, an update exists only when the catalog is ahead of the
	// deployed version.
	if !version.Less(app.Version, entry.LatestVersion) {
		return nil
	}

	isCritical := version.IsMajorBump(app.Version, entry.LatestVersion)
	result, err := s.results.Upsert(ctx, &model.UpdateCheckResult{
		UserID:         app.UserID,
		TenantID:       app.TenantID,
		WingetID:       app.WingetID,
		AppName:        entry.AppName,
		IntuneAppID:    app.IntuneAppID,
		CurrentVersion: app.Version,
		LatestVersion:  entry.LatestVersion,
		IsCritical:     isCritical,
	})
	if err != nil {
		return fmt.Errorf("upsert detection: %w", err)
	}

	summary.UpdatesDetected++
	if isCritical {
		summary.CriticalUpdates++
	}

	if s.autoUpdate != nil && policy != nil &&
		policy.IsEnabled && policy.PolicyType == model.PolicyTypeAutoUpdate {
		s.autoUpdate.Trigger(ctx, policy, result)
	}
	return nil
}

// Run ticks Scan at the configured interval until the context is cancelled.
func (s *UpdateCheckService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting update checker", "interval", s.config.Interval)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil && !isContextErr(err) && s.logger != nil {
				s.logger.ErrorContext(ctx, "update scan failed", "error", err)
			}
		}
	}
}
