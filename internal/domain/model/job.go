// Package model defines the core data types and structures used throughout the winpack orchestrator.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a packaging job.
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be claimed by a packager.
	JobStatusQueued JobStatus = "queued"
	// JobStatusPackaging indicates a packager is converting the installer.
	JobStatusPackaging JobStatus = "packaging"
	// JobStatusTesting indicates the packaged installer is being validated.
	JobStatusTesting JobStatus = "testing"
	// JobStatusUploading indicates the package is being uploaded to Intune.
	JobStatusUploading JobStatus = "uploading"
	// JobStatusDeployed indicates the package was deployed successfully.
	JobStatusDeployed JobStatus = "deployed"
	// JobStatusDuplicateSkipped indicates the same version was already deployed to the tenant.
	JobStatusDuplicateSkipped JobStatus = "duplicate_skipped"
	// JobStatusFailed indicates the job failed to complete.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled out of band.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no queued jobs are available to claim.
var ErrNoJobsAvailable = errors.New("no jobs available")

// ErrDuplicateDeployment is returned by a job handler when the target version
// is already deployed to the tenant. The job finishes as duplicate_skipped.
var ErrDuplicateDeployment = errors.New("version already deployed to tenant")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusPackaging, JobStatusTesting, JobStatusUploading,
		JobStatusDeployed, JobStatusDuplicateSkipped, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if a job in this status will never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDeployed, JobStatusDuplicateSkipped, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// InProgress returns true if the status indicates the job is held by a packager.
func (s JobStatus) InProgress() bool {
	switch s {
	case JobStatusPackaging, JobStatusTesting, JobStatusUploading:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	js := JobStatus(v)
	if js.Valid() {
		*s = js
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// FailureStage identifies where in the packaging pipeline a job failed.
type FailureStage string

// FailureCategory identifies the class of failure for diagnostic display.
type FailureCategory string

const (
	// FailureStageDownload is the installer download stage.
	FailureStageDownload FailureStage = "download"
	// FailureStagePackage is the installer conversion stage.
	FailureStagePackage FailureStage = "package"
	// FailureStageTest is the package validation stage.
	FailureStageTest FailureStage = "test"
	// FailureStageUpload is the Intune upload stage.
	FailureStageUpload FailureStage = "upload"
	// FailureStageAuthenticate is the tenant authentication stage.
	FailureStageAuthenticate FailureStage = "authenticate"
	// FailureStageFinalize is the assignment/finalization stage.
	FailureStageFinalize FailureStage = "finalize"

	// FailureCategoryNetwork covers transient network errors.
	FailureCategoryNetwork FailureCategory = "network"
	// FailureCategoryValidation covers malformed installers or metadata.
	FailureCategoryValidation FailureCategory = "validation"
	// FailureCategoryPermission covers missing Graph permissions or consent.
	FailureCategoryPermission FailureCategory = "permission"
	// FailureCategoryInstaller covers installer-specific failures.
	FailureCategoryInstaller FailureCategory = "installer"
	// FailureCategoryIntuneAPI covers Intune API rejections.
	FailureCategoryIntuneAPI FailureCategory = "intune_api"
	// FailureCategorySystem covers everything else.
	FailureCategorySystem FailureCategory = "system"
)

// JobFailure carries structured failure metadata surfaced on the job record.
type JobFailure struct {
	Stage    FailureStage    `json:"stage"`
	Category FailureCategory `json:"category"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message"`
}

// Error implements the error interface so job handlers can return a JobFailure directly.
func (f *JobFailure) Error() string {
	return fmt.Sprintf("%s/%s: %s", f.Stage, f.Category, f.Message)
}

// PackagingJob represents one unit of packaging work.
type PackagingJob struct {
	ID            string     `json:"id"                              db:"id"`
	UserID        string     `json:"user_id"                         db:"user_id"`
	TenantID      string     `json:"tenant_id"                       db:"tenant_id"`
	WingetID      string     `json:"winget_id"                       db:"winget_id"`
	AppName       string     `json:"app_name"                        db:"app_name"`
	TargetVersion string     `json:"target_version"                  db:"target_version"`
	Status        JobStatus  `json:"status"                          db:"status"`
	ProgressPct   int        `json:"progress_percent"                db:"progress_percent"`
	StatusMessage *string    `json:"status_message,omitempty"        db:"status_message"`
	ErrorMessage  *string    `json:"error_message,omitempty"         db:"error_message"`
	FailureStage  *string    `json:"failure_stage,omitempty"         db:"failure_stage"`
	FailureCode   *string    `json:"failure_code,omitempty"          db:"failure_code"`
	BatchItemID   *string    `json:"batch_item_id,omitempty"         db:"batch_item_id"`
	PackagerID    *string    `json:"packager_id,omitempty"           db:"packager_id"`
	HeartbeatAt   *time.Time `json:"packager_heartbeat_at,omitempty" db:"packager_heartbeat_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"            db:"claimed_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"          db:"completed_at"`
	CreatedAt     time.Time  `json:"created_at"                      db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"                      db:"updated_at"`
}

// CreatePackagingJobRequest represents a request to enqueue a packaging job.
type CreatePackagingJobRequest struct {
	UserID        string  `json:"user_id"`
	TenantID      string  `json:"tenant_id"`
	WingetID      string  `json:"winget_id"`
	AppName       string  `json:"app_name"`
	TargetVersion string  `json:"target_version"`
	BatchItemID   *string `json:"batch_item_id,omitempty"`
}

// Validate validates the CreatePackagingJobRequest fields.
func (r *CreatePackagingJobRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.WingetID) == "" {
		return errors.New("winget id is required")
	}
	if strings.TrimSpace(r.TargetVersion) == "" {
		return errors.New("target version is required")
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Deployed   int `json:"deployed"`
	Skipped    int `json:"duplicate_skipped"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// JobProgressUpdate is the side-channel progress report a handler emits while running.
type JobProgressUpdate struct {
	Status      JobStatus `json:"status"`
	ProgressPct int       `json:"progress_percent"`
	Message     string    `json:"message,omitempty"`
}

// JobOutcome summarises a terminal job transition for the batch completion hook.
type JobOutcome struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}
