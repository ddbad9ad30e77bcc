// Package core defines the contracts between the service layer and the data layer.
package core

import (
	"context"
	"time"

	"github.com/winpackhq/winpack/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations should depend on these interfaces, not concrete implementations.

// ClaimNextParams groups parameters for JobRepository.ClaimNext.
type ClaimNextParams struct {
	PackagerID string
	Now        time.Time
}

// FailJobParams groups parameters for JobRepository.Fail to keep param count <= 3.
type FailJobParams struct {
	JobID   string
	Message string
	Stage   model.FailureStage
	Code    string
	Now     time.Time
}

// JobRepository defines the interface for packaging job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreatePackagingJobRequest) (*model.PackagingJob, error)
	GetByID(ctx context.Context, id string) (*model.PackagingJob, error)
	// ClaimNext atomically claims the oldest queued job for the given packager.
	// Returns model.ErrNoJobsAvailable when nothing is queued; a lost claim race
	// surfaces the same way and is retried on the next tick.
	ClaimNext(ctx context.Context, params ClaimNextParams) (*model.PackagingJob, error)
	// RecoverStale resets in-progress jobs whose heartbeat is older than staleAfter
	// back to queued, clearing claim fields. Returns the number of jobs recovered.
	RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
	// Heartbeat refreshes packager_heartbeat_at for a claimed, in-progress job.
	// Returns false when the job is no longer in progress or held by this packager.
	Heartbeat(ctx context.Context, jobID, packagerID string) (bool, error)
	// UpdateProgress applies a handler's side-channel progress/status update.
	UpdateProgress(ctx context.Context, jobID string, update model.JobProgressUpdate) (bool, error)
	// Finalize transitions an in-progress job to a terminal success status
	// (deployed or duplicate_skipped) and stamps completed_at.
	Finalize(ctx context.Context, outcome model.JobOutcome, now time.Time) (bool, error)
	// Fail force-transitions a non-terminal job to failed with structured metadata.
	Fail(ctx context.Context, params FailJobParams) (bool, error)
	// Cancel transitions any non-terminal job to cancelled.
	Cancel(ctx context.Context, jobID string, now time.Time) (bool, error)
	Stats(ctx context.Context, userID string) (*model.JobStats, error)
	// DeleteTerminalOlderThan removes terminal jobs past the retention window, in batches.
	DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// RecordItemOutcomeParams groups parameters for BatchRepository.RecordItemOutcome.
type RecordItemOutcomeParams struct {
	JobID   string
	Status  model.BatchItemStatus
	Message string
	Now     time.Time
}

// BatchRepository defines the interface for batch deployment data operations.
type BatchRepository interface {
	Create(ctx context.Context, req *model.CreateBatchRequest) (*model.BatchDeployment, error)
	GetByID(ctx context.Context, id string) (*model.BatchDeployment, error)
	ListByStatus(ctx context.Context, status model.BatchStatus, limit int) ([]*model.BatchDeployment, error)
	// StartBatch transitions a pending batch to in_progress and records the
	// number of per-tenant items created. Conditional on status still pending.
	StartBatch(ctx context.Context, batchID string, totalTenants int) (bool, error)
	CreateItem(ctx context.Context, item *model.BatchItem) (*model.BatchItem, error)
	// AttachJob records the packaging job created for a pending item and moves
	// the item to in_progress.
	AttachJob(ctx context.Context, itemID, jobID string) (bool, error)
	ListItems(ctx context.Context, batchID string) ([]*model.BatchItem, error)
	// RecordItemOutcome marks the item owning jobID terminal and atomically
	// increments the parent batch's completed/failed counter. Returns the
	// parent batch ID, or "" when the item was already terminal (idempotent).
	RecordItemOutcome(ctx context.Context, params RecordItemOutcomeParams) (string, error)
	// FailItem marks an item that never got a job as failed and bumps the
	// parent batch's failed counter.
	FailItem(ctx context.Context, itemID, message string) (string, error)
	// ListStuckItems returns in-progress items whose job has not progressed
	// within the timeout, for recovery by the sweep.
	ListStuckItems(ctx context.Context, olderThan time.Time) ([]*model.BatchItem, error)
	// CompleteBatch transitions an in_progress batch whose counters cover every
	// tenant to the terminal status. Conditional; a no-op once terminal.
	CompleteBatch(ctx context.Context, batchID string, status model.BatchStatus) (bool, error)
	// FailBatch force-fails a non-terminal batch, for systemic errors such as
	// an expansion that found no deployable tenants.
	FailBatch(ctx context.Context, batchID, reason string) (bool, error)
	AppendAudit(ctx context.Context, entry *model.BatchAuditEntry) error
}

// RecordAutoUpdateParams groups parameters for PolicyRepository.RecordAutoUpdateResult.
type RecordAutoUpdateParams struct {
	PolicyID string
	Version  string
	Success  bool
	Now      time.Time
}

// PolicyRepository defines the interface for app update policy data operations.
type PolicyRepository interface {
	Upsert(ctx context.Context, policy *model.AppUpdatePolicy) (*model.AppUpdatePolicy, error)
	GetByKey(ctx context.Context, key model.PolicyKey) (*model.AppUpdatePolicy, error)
	// ListByTypes returns all enabled policies of the given types, across users.
	ListByTypes(ctx context.Context, types []model.PolicyType) ([]*model.AppUpdatePolicy, error)
	// RecordAutoUpdateResult updates the failure counter and, on success, the
	// last auto-update stamp/version.
	RecordAutoUpdateResult(ctx context.Context, params RecordAutoUpdateParams) error
}

// UpdateResultRepository defines the interface for detected update persistence.
type UpdateResultRepository interface {
	// Upsert inserts a detection or, on (user, tenant, winget, intune app)
	// conflict, refreshes the existing row's versions and detected_at.
	Upsert(ctx context.Context, result *model.UpdateCheckResult) (*model.UpdateCheckResult, error)
	// ListUnnotified returns detections not yet delivered, grouped per user/tenant by the caller.
	ListUnnotified(ctx context.Context, limit int) ([]*model.UpdateCheckResult, error)
	MarkNotified(ctx context.Context, ids []string, now time.Time) error
	// PurgeOlderThan deletes detections past the retention window regardless of
	// dismissal state. Returns the number purged.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TenantRepository defines the interface for managed tenant data operations.
type TenantRepository interface {
	GetByID(ctx context.Context, id string) (*model.Tenant, error)
	// ListDeployable returns the user's active tenants with granted consent.
	ListDeployable(ctx context.Context, userID string) ([]*model.Tenant, error)
	// ListDeployedApps returns the Intune app inventory for one tenant.
	ListDeployedApps(ctx context.Context, userID, tenantID string) ([]*model.DeployedApp, error)
	// ListCandidateUserIDs returns users with notifications, webhooks, or an
	// auto-update policy enabled. These are the update-scan candidates.
	ListCandidateUserIDs(ctx context.Context) ([]string, error)
}

// RecordDeliveryAttemptParams groups parameters for WebhookRepository.RecordAttempt.
type RecordDeliveryAttemptParams struct {
	DeliveryID   string
	Success      bool
	ResponseCode int
	ResponseBody string
	Now          time.Time
}

// WebhookRepository defines the interface for webhook configuration and delivery data.
type WebhookRepository interface {
	Create(ctx context.Context, cfg *model.WebhookConfiguration) (*model.WebhookConfiguration, error)
	GetByID(ctx context.Context, id string) (*model.WebhookConfiguration, error)
	// ListEnabledForEvent returns enabled configurations for the user subscribed
	// to the event type.
	ListEnabledForEvent(ctx context.Context, userID string, event model.WebhookEventType) ([]*model.WebhookConfiguration, error)
	CreateDelivery(ctx context.Context, delivery *model.WebhookDelivery) (*model.WebhookDelivery, error)
	GetDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error)
	// ListDueDeliveries returns pending deliveries whose next_retry_at has
	// passed (or was never set).
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.WebhookDelivery, error)
	// RecordAttempt applies one delivery attempt outcome: on success the
	// delivery and webhook are stamped; on failure the attempt counter and
	// backoff schedule advance. The delivery fails terminally on the attempt
	// after the budget is spent, and only then does the webhook's
	// failure_count move.
	RecordAttempt(ctx context.Context, params RecordDeliveryAttemptParams) (*model.WebhookDelivery, error)
	// DeleteTerminalOlderThan removes terminal deliveries past the retention window.
	DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// NotificationRepository defines the interface for notification history and preferences.
type NotificationRepository interface {
	Append(ctx context.Context, record *model.NotificationRecord) error
	GetPreference(ctx context.Context, userID string) (*model.NotificationPreference, error)
}

// Catalog resolves winget catalog data: latest versions and installer metadata.
type Catalog interface {
	// LatestVersions returns the package -> latest version map for the catalog.
	LatestVersions(ctx context.Context) (map[string]model.CatalogEntry, error)
	// InstallerFor resolves installer metadata for one package version.
	InstallerFor(ctx context.Context, wingetID, version string) (*model.InstallerMetadata, error)
}

// Mailer sends update notification emails. The SMTP/provider plumbing is external.
type Mailer interface {
	SendUpdateDigest(ctx context.Context, pref *model.NotificationPreference, payload *model.WebhookPayload) error
}

// JobHandler performs the actual packaging work for one claimed job. The
// download/convert/upload pipeline is an external collaborator; it reports
// stage transitions through the progress callback and returns a terminal error
// (ideally a *model.JobFailure) on failure.
type JobHandler interface {
	Execute(ctx context.Context, job *model.PackagingJob, progress func(model.JobProgressUpdate)) error
}
