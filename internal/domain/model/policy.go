package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PolicyType governs how a detected update for a package is acted upon.
type PolicyType string

const (
	// PolicyTypeAutoUpdate creates a new packaging job automatically.
	PolicyTypeAutoUpdate PolicyType = "auto_update"
	// PolicyTypeNotify only surfaces the update via notifications.
	PolicyTypeNotify PolicyType = "notify"
	// PolicyTypeIgnore suppresses detection for the package entirely.
	PolicyTypeIgnore PolicyType = "ignore"
	// PolicyTypePinVersion keeps the package at a pinned version.
	PolicyTypePinVersion PolicyType = "pin_version"
)

// Valid returns true if the PolicyType is valid.
func (t PolicyType) Valid() bool {
	switch t {
	case PolicyTypeAutoUpdate, PolicyTypeNotify, PolicyTypeIgnore, PolicyTypePinVersion:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for PolicyType.
func (t *PolicyType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	pt := PolicyType(v)
	if pt.Valid() {
		*t = pt
		return nil
	}
	return fmt.Errorf("invalid PolicyType: %q", v)
}

// AppUpdatePolicy is a per-(user, tenant, package) rule governing update handling.
// Exactly one active policy may exist per key.
type AppUpdatePolicy struct {
	ID                  string          `json:"id"                               db:"id"`
	UserID              string          `json:"user_id"                          db:"user_id"`
	TenantID            string          `json:"tenant_id"                        db:"tenant_id"`
	WingetID            string          `json:"winget_id"                        db:"winget_id"`
	PolicyType          PolicyType      `json:"policy_type"                      db:"policy_type"`
	IsEnabled           bool            `json:"is_enabled"                       db:"is_enabled"`
	PinnedVersion       *string         `json:"pinned_version,omitempty"         db:"pinned_version"`
	DeploymentConfig    json.RawMessage `json:"deployment_config,omitempty"      db:"deployment_config"`
	ConsecutiveFailures int             `json:"consecutive_failures"             db:"consecutive_failures"`
	LastAutoUpdateAt    *time.Time      `json:"last_auto_update_at,omitempty"    db:"last_auto_update_at"`
	LastAutoUpdateVer   *string         `json:"last_auto_update_version,omitempty" db:"last_auto_update_version"`
	CreatedAt           time.Time       `json:"created_at"                       db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"                       db:"updated_at"`
}

// PolicyKey identifies the unique (user, tenant, package) scope of a policy.
type PolicyKey struct {
	UserID   string
	TenantID string
	WingetID string
}

// Key returns the unique scope of the policy.
func (p *AppUpdatePolicy) Key() PolicyKey {
	return PolicyKey{UserID: p.UserID, TenantID: p.TenantID, WingetID: p.WingetID}
}

// Validate enforces the policy input contract: pin_version requires a pinned
// version, auto_update requires a deployment config.
func (p *AppUpdatePolicy) Validate() error {
	if !p.PolicyType.Valid() {
		return fmt.Errorf("invalid policy type: %q", p.PolicyType)
	}
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.TenantID) == "" ||
		strings.TrimSpace(p.WingetID) == "" {
		return errors.New("user id, tenant id, and winget id are required")
	}
	if p.PolicyType == PolicyTypePinVersion &&
		(p.PinnedVersion == nil || strings.TrimSpace(*p.PinnedVersion) == "") {
		return errors.New("pin_version policy requires pinned_version")
	}
	if p.PolicyType == PolicyTypeAutoUpdate && len(p.DeploymentConfig) == 0 {
		return errors.New("auto_update policy requires deployment_config")
	}
	return nil
}

// PolicySnapshot captures the mutable fields the auto-update trigger temporarily
// overrides, so they can be restored in a guaranteed-cleanup path.
type PolicySnapshot struct {
	PolicyType PolicyType
	IsEnabled  bool
}

// Snapshot returns the restorable fields of the policy.
func (p *AppUpdatePolicy) Snapshot() PolicySnapshot {
	return PolicySnapshot{PolicyType: p.PolicyType, IsEnabled: p.IsEnabled}
}

// Restore applies a previously captured snapshot back onto the policy.
func (p *AppUpdatePolicy) Restore(s PolicySnapshot) {
	p.PolicyType = s.PolicyType
	p.IsEnabled = s.IsEnabled
}
