package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the aggregate status of a batch deployment.
type BatchStatus string

const (
	// BatchStatusPending indicates the batch has not been expanded into per-tenant items yet.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusInProgress indicates per-tenant items have been created and are running.
	BatchStatusInProgress BatchStatus = "in_progress"
	// BatchStatusCompleted indicates every item reached a terminal state.
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusCancelled indicates the batch was cancelled before completion.
	BatchStatusCancelled BatchStatus = "cancelled"
	// BatchStatusFailed indicates an unrecoverable systemic failure.
	BatchStatusFailed BatchStatus = "failed"
)

// Valid returns true if the BatchStatus is valid.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusPending, BatchStatusInProgress, BatchStatusCompleted,
		BatchStatusCancelled, BatchStatusFailed:
		return true
	}
	return false
}

// Terminal returns true if the batch will never transition again.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled || s == BatchStatusFailed
}

// BatchItemStatus represents the status of one tenant's slice of a batch.
type BatchItemStatus string

const (
	// BatchItemStatusPending indicates no job has been created for the item yet.
	BatchItemStatusPending BatchItemStatus = "pending"
	// BatchItemStatusInProgress indicates the item's packaging job is running.
	BatchItemStatusInProgress BatchItemStatus = "in_progress"
	// BatchItemStatusCompleted indicates the item's job deployed or was skipped as duplicate.
	BatchItemStatusCompleted BatchItemStatus = "completed"
	// BatchItemStatusFailed indicates the item's job failed.
	BatchItemStatusFailed BatchItemStatus = "failed"
)

// Terminal returns true if the item will never transition again.
func (s BatchItemStatus) Terminal() bool {
	return s == BatchItemStatusCompleted || s == BatchItemStatusFailed
}

// BatchDeployment represents one "deploy package X to N tenants" request.
type BatchDeployment struct {
	ID               string      `json:"id"                     db:"id"`
	UserID           string      `json:"user_id"                db:"user_id"`
	WingetID         string      `json:"winget_id"              db:"winget_id"`
	AppName          string      `json:"app_name"               db:"app_name"`
	TargetVersion    string      `json:"target_version"         db:"target_version"`
	Status           BatchStatus `json:"status"                 db:"status"`
	TotalTenants     int         `json:"total_tenants"          db:"total_tenants"`
	CompletedTenants int         `json:"completed_tenants"      db:"completed_tenants"`
	FailedTenants    int         `json:"failed_tenants"         db:"failed_tenants"`
	CreatedAt        time.Time   `json:"created_at"             db:"created_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// AllItemsTerminal reports whether every per-tenant item has reached a terminal state.
func (b *BatchDeployment) AllItemsTerminal() bool {
	return b.TotalTenants > 0 && b.CompletedTenants+b.FailedTenants >= b.TotalTenants
}

// BatchItem references one packaging job scoped to one tenant within a batch.
type BatchItem struct {
	ID          string          `json:"id"                     db:"id"`
	BatchID     string          `json:"batch_id"               db:"batch_id"`
	TenantID    string          `json:"tenant_id"              db:"tenant_id"`
	JobID       *string         `json:"job_id,omitempty"       db:"job_id"`
	Status      BatchItemStatus `json:"status"                 db:"status"`
	Message     *string         `json:"message,omitempty"      db:"message"`
	CreatedAt   time.Time       `json:"created_at"             db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// CreateBatchRequest represents a request to deploy one package version to many tenants.
type CreateBatchRequest struct {
	UserID        string `json:"user_id"`
	WingetID      string `json:"winget_id"`
	AppName       string `json:"app_name"`
	TargetVersion string `json:"target_version"`
}

// Validate validates the CreateBatchRequest fields.
func (r *CreateBatchRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(r.WingetID) == "" {
		return errors.New("winget id is required")
	}
	if strings.TrimSpace(r.TargetVersion) == "" {
		return errors.New("target version is required")
	}
	return nil
}

// BatchAuditEntry is an immutable audit-log record emitted on batch transitions.
type BatchAuditEntry struct {
	ID        string    `json:"id"         db:"id"`
	BatchID   string    `json:"batch_id"   db:"batch_id"`
	Action    string    `json:"action"     db:"action"`
	Detail    string    `json:"detail"     db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// String renders a short human-readable batch summary for logs.
func (b *BatchDeployment) String() string {
	return fmt.Sprintf("batch %s %s (%d/%d completed, %d failed)",
		b.ID, b.Status, b.CompletedTenants, b.TotalTenants, b.FailedTenants)
}
