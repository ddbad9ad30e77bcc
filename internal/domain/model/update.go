package model

import "time"

// UpdateCheckResult is one detected available update for a deployed app instance.
// Uniqueness is enforced per (user, tenant, winget id, intune app id) via
// upsert-on-conflict so repeated scans refresh rather than duplicate.
type UpdateCheckResult struct {
	ID             string     `json:"id"                    db:"id"`
	UserID         string     `json:"user_id"               db:"user_id"`
	TenantID       string     `json:"tenant_id"             db:"tenant_id"`
	WingetID       string     `json:"winget_id"             db:"winget_id"`
	AppName        string     `json:"app_name"              db:"app_name"`
	IntuneAppID    string     `json:"intune_app_id"         db:"intune_app_id"`
	CurrentVersion string     `json:"current_version"       db:"current_version"`
	LatestVersion  string     `json:"latest_version"        db:"latest_version"`
	IsCritical     bool       `json:"is_critical"           db:"is_critical"`
	DetectedAt     time.Time  `json:"detected_at"           db:"detected_at"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty" db:"notified_at"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty" db:"dismissed_at"`
}

// DeployedApp is one app instance deployed to a tenant, as reported by Intune.
type DeployedApp struct {
	IntuneAppID string `json:"intune_app_id" db:"intune_app_id"`
	TenantID    string `json:"tenant_id"     db:"tenant_id"`
	UserID      string `json:"user_id"       db:"user_id"`
	WingetID    string `json:"winget_id"     db:"winget_id"`
	AppName     string `json:"app_name"      db:"app_name"`
	Version     string `json:"version"       db:"version"`
}

// Key returns the policy scope governing this app.
func (a *DeployedApp) Key() PolicyKey {
	return PolicyKey{UserID: a.UserID, TenantID: a.TenantID, WingetID: a.WingetID}
}

// CatalogEntry is the latest known version of a package in the winget catalog.
type CatalogEntry struct {
	WingetID      string `json:"winget_id"`
	AppName       string `json:"app_name"`
	LatestVersion string `json:"latest_version"`
}

// InstallerMetadata describes the installer for a specific package version.
type InstallerMetadata struct {
	WingetID      string `json:"winget_id"`
	Version       string `json:"version"`
	InstallerURL  string `json:"installer_url"`
	InstallerType string `json:"installer_type"`
	Sha256        string `json:"sha256,omitempty"`
}

// UpdateScanSummary reports the outcome of one detection run.
type UpdateScanSummary struct {
	UsersScanned    int `json:"users_scanned"`
	TenantsScanned  int `json:"tenants_scanned"`
	UpdatesDetected int `json:"updates_detected"`
	CriticalUpdates int `json:"critical_updates"`
	Purged          int `json:"purged"`
	Errors          int `json:"errors"`
}
