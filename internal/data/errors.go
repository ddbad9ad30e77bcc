package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound = errors.New("packaging job not found")

	// Batch repository sentinels.
	ErrBatchNotFound     = errors.New("batch deployment not found")
	ErrBatchItemNotFound = errors.New("batch item not found")

	// Policy repository sentinels.
	ErrPolicyNotFound = errors.New("app update policy not found")

	// Webhook repository sentinels.
	ErrWebhookNotFound  = errors.New("webhook configuration not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")

	// Tenant repository sentinels.
	ErrTenantNotFound = errors.New("tenant not found")
)
