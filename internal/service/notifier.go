package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/observability/statsd"
)

// NotifierRepos groups the repositories NotifierService reads and writes.
type NotifierRepos struct {
	Results       core.UpdateResultRepository
	Webhooks      core.WebhookRepository
	Notifications core.NotificationRepository
	Tenants       core.TenantRepository
}

// NotifierServiceOptions groups dependencies for NotifierService.
type NotifierServiceOptions struct {
	Repos        NotifierRepos           // Required: repositories
	Mailer       core.Mailer             // Optional: email channel; nil disables email
	Delivery     *WebhookDeliveryService // Required: webhook channel
	Config       config.NotifierConfig   // Required: dispatcher configuration
	Logger       *slog.Logger            // Optional: structured logger
	Metrics      statsd.Sink             // Optional: metrics sink
	TimeProvider data.TimeProvider       // Optional: clock, defaults to real time
}

// NotifierService fans detected updates out to the email and webhook channels
// and publishes batch and job lifecycle events to subscribed webhooks.
//
// Email honours the user's frequency preference: immediate and daily send on
// every dispatcher run, weekly sends only when the run lands on a Sunday.
// Detections stay unnotified until at least one channel accepts them.
type NotifierService struct {
	repos    NotifierRepos
	mailer   core.Mailer
	delivery *WebhookDeliveryService
	config   config.NotifierConfig
	logger   *slog.Logger
	metrics  statsd.Sink
	clock    data.TimeProvider
}

// NewNotifierService constructs a new NotifierService.
func NewNotifierService(opts NotifierServiceOptions) (*NotifierService, error) {
	if opts.Repos.Results == nil || opts.Repos.Webhooks == nil ||
		opts.Repos.Notifications == nil || opts.Repos.Tenants == nil {
		return nil, errors.New("all notifier repositories are required")
	}
	if opts.Delivery == nil {
		return nil, errors.New("WebhookDeliveryService is required")
	}

	clock := opts.TimeProvider
	if clock == nil {
		clock = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "notifier_service")
	}

	return &NotifierService{
		repos:    opts.Repos,
		mailer:   opts.Mailer,
		delivery: opts.Delivery,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		clock:    clock,
	}, nil
}

type detectionGroup struct {
	userID   string
	tenantID string
	results  []*model.UpdateCheckResult
}

// DispatchPending delivers all unnotified detections, grouped per
// (user, tenant), and marks the delivered ones notified.
func (s *NotifierService) DispatchPending(ctx context.Context) (int, error) {
	pending, err := s.repos.Results.ListUnnotified(ctx, s.config.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list unnotified detections: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, group := range groupDetections(pending) {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		n, gerr := s.dispatchGroup(ctx, group)
		if gerr != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "dispatch group failed",
					"user_id", group.userID, "tenant_id", group.tenantID, "error", gerr)
			}
			continue
		}
		dispatched += n
	}

	if s.metrics != nil && dispatched > 0 {
		s.metrics.Count("notifier.dispatched", int64(dispatched), nil)
	}
	return dispatched, nil
}

// groupDetections buckets detections per (user, tenant) preserving order.
func groupDetections(results []*model.UpdateCheckResult) []*detectionGroup {
	index := make(map[string]*detectionGroup)
	var groups []*detectionGroup
	for _, r := range results {
		key := r.UserID + "\x00" + r.TenantID
		g, ok := index[key]
		if !ok {
			g = &detectionGroup{userID: r.UserID, tenantID: r.TenantID}
			index[key] = g
			groups = append(groups, g)
		}
		g.results = append(g.results, r)
	}
	return groups
}

func (s *NotifierService) dispatchGroup(ctx context.Context, group *detectionGroup) (int, error) {
	payload := s.buildUpdatePayload(ctx, group)
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	delivered := s.sendWebhooks(ctx, group.userID, group.tenantID, model.WebhookEventUpdatesAvailable, body)
	if s.sendEmail(ctx, group, payload, body) {
		delivered = true
	}

	// Undelivered groups stay pending for the next run (for example a weekly
	// email waiting for Sunday with no webhook configured).
	if !delivered {
		return 0, nil
	}

	ids := make([]string, 0, len(group.results))
	for _, r := range group.results {
		ids = append(ids, r.ID)
	}
	if err := s.repos.Results.MarkNotified(ctx, ids, s.clock.Now()); err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}
	return len(ids), nil
}

func (s *NotifierService) buildUpdatePayload(ctx context.Context, group *detectionGroup) *model.WebhookPayload {
	tenantName := ""
	if tenant, err := s.repos.Tenants.GetByID(ctx, group.tenantID); err == nil {
		tenantName = tenant.Name
	}

	updates := make([]model.WebhookAppUpdate, 0, len(group.results))
	critical := 0
	for _, r := range group.results {
		updates = append(updates, model.WebhookAppUpdate{
			AppName:        r.AppName,
			WingetID:       r.WingetID,
			IntuneAppID:    r.IntuneAppID,
			CurrentVersion: r.CurrentVersion,
			LatestVersion:  r.LatestVersion,
			IsCritical:     r.IsCritical,
		})
		if r.IsCritical {
			critical++
		}
	}

	return &model.WebhookPayload{
		Event:      string(model.WebhookEventUpdatesAvailable),
		Timestamp:  s.clock.Now().UTC(),
		TenantID:   group.tenantID,
		TenantName: tenantName,
		Updates:    updates,
		Summary:    model.WebhookSummary{Total: len(updates), Critical: critical},
	}
}

// sendWebhooks fans a payload out to the user's subscribed webhooks.
// Returns true when at least one webhook accepted the send.
func (s *NotifierService) sendWebhooks(ctx context.Context, userID, tenantID string, event model.WebhookEventType, body []byte) bool {
	webhooks, err := s.repos.Webhooks.ListEnabledForEvent(ctx, userID, event)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "list webhooks failed", "user_id", userID, "error", err)
		}
		return false
	}

	sent := false
	for _, webhook := range webhooks {
		err := s.delivery.Send(ctx, webhook, event, body)
		s.recordHistory(ctx, historyParams{
			UserID:    userID,
			TenantID:  tenantID,
			Channel:   model.NotificationChannelWebhook,
			EventType: string(event),
			Payload:   body,
			Err:       err,
		})
		if err != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "webhook send failed",
					"webhook_id", webhook.ID, "error", err)
			}
			continue
		}
		sent = true
	}
	return sent
}

// sendEmail delivers the digest when the user's preference allows it on this run.
func (s *NotifierService) sendEmail(ctx context.Context, group *detectionGroup, payload *model.WebhookPayload, body []byte) bool {
	if s.mailer == nil {
		return false
	}

	pref, err := s.repos.Notifications.GetPreference(ctx, group.userID)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "load preference failed", "user_id", group.userID, "error", err)
		}
		return false
	}
	if !pref.EmailEnabled || pref.Email == "" {
		return false
	}
	if !s.frequencyAllows(pref.EmailFrequency) {
		return false
	}

	err = s.mailer.SendUpdateDigest(ctx, pref, payload)
	s.recordHistory(ctx, historyParams{
		UserID:    group.userID,
		TenantID:  group.tenantID,
		Channel:   model.NotificationChannelEmail,
		EventType: string(model.WebhookEventUpdatesAvailable),
		Payload:   body,
		Err:       err,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "email send failed", "user_id", group.userID, "error", err)
		}
		return false
	}
	return true
}

// frequencyAllows reports whether an email may go out on this run.
// Weekly digests only go out on Sundays.
func (s *NotifierService) frequencyAllows(freq model.EmailFrequency) bool {
	switch freq {
	case model.EmailFrequencyImmediate, model.EmailFrequencyDaily:
		return true
	case model.EmailFrequencyWeekly:
		return s.clock.Now().UTC().Weekday() == time.Sunday
	default:
		return true
	}
}

// PublishBatchCompleted pushes a batch.completed event to the owning user's
// webhooks. Deliveries are detached so batch completion never blocks on a
// slow endpoint.
func (s *NotifierService) PublishBatchCompleted(ctx context.Context, batch *model.BatchDeployment) {
	body, err := json.Marshal(map[string]any{
		"event":     string(model.WebhookEventBatchCompleted),
		"timestamp": s.clock.Now().UTC(),
		"batch": map[string]any{
			"id":                batch.ID,
			"winget_id":         batch.WingetID,
			"app_name":          batch.AppName,
			"target_version":    batch.TargetVersion,
			"status":            string(batch.Status),
			"total_tenants":     batch.TotalTenants,
			"completed_tenants": batch.CompletedTenants,
			"failed_tenants":    batch.FailedTenants,
		},
	})
	if err != nil {
		return
	}
	s.publishDetached(ctx, batch.UserID, model.WebhookEventBatchCompleted, body)
}

// PublishJobFailed pushes a job.failed event to the owning user's webhooks.
func (s *NotifierService) PublishJobFailed(ctx context.Context, job *model.PackagingJob) {
	body, err := json.Marshal(map[string]any{
		"event":     string(model.WebhookEventJobFailed),
		"timestamp": s.clock.Now().UTC(),
		"job": map[string]any{
			"id":             job.ID,
			"tenant_id":      job.TenantID,
			"winget_id":      job.WingetID,
			"app_name":       job.AppName,
			"target_version": job.TargetVersion,
			"error_message":  job.ErrorMessage,
			"failure_stage":  job.FailureStage,
		},
	})
	if err != nil {
		return
	}
	s.publishDetached(ctx, job.UserID, model.WebhookEventJobFailed, body)
}

func (s *NotifierService) publishDetached(ctx context.Context, userID string, event model.WebhookEventType, body []byte) {
	webhooks, err := s.repos.Webhooks.ListEnabledForEvent(ctx, userID, event)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "list webhooks failed",
				"user_id", userID, "event", string(event), "error", err)
		}
		return
	}
	for _, webhook := range webhooks {
		s.delivery.SendDetached(webhook, event, body)
	}
}

type historyParams struct {
	UserID    string
	TenantID  string
	Channel   model.NotificationChannel
	EventType string
	Payload   []byte
	Err       error
}

func (s *NotifierService) recordHistory(ctx context.Context, p historyParams) {
	record := &model.NotificationRecord{
		UserID:    p.UserID,
		TenantID:  p.TenantID,
		Channel:   p.Channel,
		EventType: p.EventType,
		Payload:   p.Payload,
		Status:    "sent",
	}
	if p.Err != nil {
		record.Status = "failed"
		msg := p.Err.Error()
		record.ErrorMessage = &msg
	}
	if err := s.repos.Notifications.Append(ctx, record); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "append notification history failed",
			"user_id", p.UserID, "channel", string(p.Channel), "error", err)
	}
}

// Run ticks DispatchPending and the webhook retry schedule until the context
// is cancelled. Returns nil on graceful shutdown.
func (s *NotifierService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting notifier", "interval", s.config.Interval)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.DispatchPending(ctx); err != nil && !isContextErr(err) && s.logger != nil {
			s.logger.ErrorContext(ctx, "dispatch failed", "error", err)
		}
		if _, err := s.delivery.RetryDue(ctx); err != nil && !isContextErr(err) && s.logger != nil {
			s.logger.ErrorContext(ctx, "delivery retries failed", "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
