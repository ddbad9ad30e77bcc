package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WebhookEventType identifies the outbound events a webhook can subscribe to.
type WebhookEventType string

const (
	// WebhookEventUpdatesAvailable fires when the update scan detects new updates for a tenant.
	WebhookEventUpdatesAvailable WebhookEventType = "updates.available"
	// WebhookEventBatchCompleted fires when a batch deployment reaches a terminal status.
	WebhookEventBatchCompleted WebhookEventType = "batch.completed"
	// WebhookEventJobFailed fires when a packaging job fails.
	WebhookEventJobFailed WebhookEventType = "job.failed"
)

// Valid returns true if the WebhookEventType is known.
func (t WebhookEventType) Valid() bool {
	switch t {
	case WebhookEventUpdatesAvailable, WebhookEventBatchCompleted, WebhookEventJobFailed:
		return true
	}
	return false
}

// WebhookConfiguration is a registered callback URL with an optional shared secret.
type WebhookConfiguration struct {
	ID            string     `json:"id"                       db:"id"`
	UserID        string     `json:"user_id"                  db:"user_id"`
	Name          string     `json:"name"                     db:"name"`
	URL           string     `json:"url"                      db:"url"`
	Secret        string     `json:"-"                        db:"secret"`
	EventTypes    []string   `json:"event_types"              db:"event_types"`
	PayloadFilter *string    `json:"payload_filter,omitempty" db:"payload_filter"`
	IsEnabled     bool       `json:"is_enabled"               db:"is_enabled"`
	FailureCount  int        `json:"failure_count"            db:"failure_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	CreatedAt     time.Time  `json:"created_at"               db:"created_at"`
}

// SubscribedTo reports whether the configuration is subscribed to the event type.
func (w *WebhookConfiguration) SubscribedTo(event WebhookEventType) bool {
	for _, t := range w.EventTypes {
		if WebhookEventType(t) == event {
			return true
		}
	}
	return false
}

// Validate validates the webhook configuration fields.
func (w *WebhookConfiguration) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("webhook name is required")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url: %q", w.URL)
	}
	if len(w.EventTypes) == 0 {
		return errors.New("at least one event type is required")
	}
	for _, t := range w.EventTypes {
		if !WebhookEventType(t).Valid() {
			return fmt.Errorf("invalid event type: %q", t)
		}
	}
	return nil
}

// DeliveryStatus represents the status of one webhook delivery.
type DeliveryStatus string

const (
	// DeliveryStatusPending indicates the delivery has attempts remaining.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusSuccess indicates the endpoint accepted the payload.
	DeliveryStatusSuccess DeliveryStatus = "success"
	// DeliveryStatusFailed indicates the delivery exhausted its attempts. Terminal.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// WebhookDelivery records the lifecycle of one webhook payload delivery,
// including retry scheduling. Attempts 1..MaxAttempts each schedule a retry;
// the attempt after that fails the delivery for good. Once failed the
// delivery is terminal.
type WebhookDelivery struct {
	ID           string         `json:"id"                      db:"id"`
	WebhookID    string         `json:"webhook_id"              db:"webhook_id"`
	EventType    string         `json:"event_type"              db:"event_type"`
	Payload      []byte         `json:"payload"                 db:"payload"`
	Status       DeliveryStatus `json:"status"                  db:"status"`
	Attempts     int            `json:"attempts"                db:"attempts"`
	MaxAttempts  int            `json:"max_attempts"            db:"max_attempts"`
	ResponseCode *int           `json:"response_code,omitempty" db:"response_code"`
	ResponseBody *string        `json:"response_body,omitempty" db:"response_body"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty" db:"next_retry_at"`
	CreatedAt    time.Time      `json:"created_at"              db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"              db:"updated_at"`
}

// WebhookPayload is the outbound JSON body delivered to subscribed endpoints.
type WebhookPayload struct {
	Event      string             `json:"event"`
	Timestamp  time.Time          `json:"timestamp"`
	TenantID   string             `json:"tenant_id"`
	TenantName string             `json:"tenant_name,omitempty"`
	Updates    []WebhookAppUpdate `json:"updates"`
	Summary    WebhookSummary     `json:"summary"`
}

// WebhookAppUpdate is one app update entry in the outbound payload.
type WebhookAppUpdate struct {
	AppName        string `json:"app_name"`
	WingetID       string `json:"winget_id"`
	IntuneAppID    string `json:"intune_app_id"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	IsCritical     bool   `json:"is_critical"`
}

// WebhookSummary carries the aggregate counts in the outbound payload.
type WebhookSummary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
}

// NotificationChannel identifies a delivery channel for notification history.
type NotificationChannel string

const (
	// NotificationChannelEmail is the email channel.
	NotificationChannelEmail NotificationChannel = "email"
	// NotificationChannelWebhook is the webhook channel.
	NotificationChannelWebhook NotificationChannel = "webhook"
)

// NotificationRecord is an immutable history row written for every delivery
// attempt across both channels.
type NotificationRecord struct {
	ID           string              `json:"id"                      db:"id"`
	UserID       string              `json:"user_id"                 db:"user_id"`
	TenantID     string              `json:"tenant_id"               db:"tenant_id"`
	Channel      NotificationChannel `json:"channel"                 db:"channel"`
	EventType    string              `json:"event_type"              db:"event_type"`
	Payload      []byte              `json:"payload"                 db:"payload"`
	Status       string              `json:"status"                  db:"status"`
	ErrorMessage *string             `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time           `json:"created_at"              db:"created_at"`
}

// EmailFrequency controls how often update emails are sent.
type EmailFrequency string

const (
	// EmailFrequencyImmediate sends on every run.
	EmailFrequencyImmediate EmailFrequency = "immediate"
	// EmailFrequencyDaily sends on every (daily) run.
	EmailFrequencyDaily EmailFrequency = "daily"
	// EmailFrequencyWeekly sends only when the run happens on a Sunday.
	EmailFrequencyWeekly EmailFrequency = "weekly"
)

// NotificationPreference holds a user's notification settings.
type NotificationPreference struct {
	UserID         string         `json:"user_id"         db:"user_id"`
	Email          string         `json:"email"           db:"email"`
	EmailEnabled   bool           `json:"email_enabled"   db:"email_enabled"`
	EmailFrequency EmailFrequency `json:"email_frequency" db:"email_frequency"`
}
