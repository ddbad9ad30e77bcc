package model

import "time"

// TenantConsentStatus tracks whether a managed tenant has granted admin consent
// for the Graph permissions the packager needs.
type TenantConsentStatus string

const (
	// TenantConsentGranted means deployments may target the tenant.
	TenantConsentGranted TenantConsentStatus = "granted"
	// TenantConsentPending means consent has been requested but not completed.
	TenantConsentPending TenantConsentStatus = "pending"
	// TenantConsentRevoked means consent was withdrawn; the tenant is skipped.
	TenantConsentRevoked TenantConsentStatus = "revoked"
)

// Tenant is one managed Intune tenant belonging to a user.
type Tenant struct {
	ID            string              `json:"id"             db:"id"`
	UserID        string              `json:"user_id"        db:"user_id"`
	Name          string              `json:"name"           db:"name"`
	AzureTenantID string              `json:"azure_tenant_id" db:"azure_tenant_id"`
	IsActive      bool                `json:"is_active"      db:"is_active"`
	ConsentStatus TenantConsentStatus `json:"consent_status" db:"consent_status"`
	CreatedAt     time.Time           `json:"created_at"     db:"created_at"`
}

// Deployable reports whether the tenant may be targeted by a deployment.
func (t *Tenant) Deployable() bool {
	return t.IsActive && t.ConsentStatus == TenantConsentGranted
}
