package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/observability/statsd"
)

const (
	signatureHeader      = "X-Signature"
	maxResponseBodyBytes = 4 * 1024 // truncate stored endpoint responses
)

// WebhookDeliveryServiceOptions groups dependencies for WebhookDeliveryService.
type WebhookDeliveryServiceOptions struct {
	Repo       core.WebhookRepository // Required: webhook/delivery persistence
	HTTPClient *http.Client           // Optional: defaults to a client with the configured timeout
	Config     config.NotifierConfig  // Required: delivery configuration
	Logger     *slog.Logger           // Optional: structured logger
	Metrics    statsd.Sink            // Optional: metrics sink
}

// WebhookDeliveryService signs and delivers webhook payloads and runs the
// retry schedule for failed attempts.
//
// Payloads are signed with HMAC-SHA256 over the raw body when the webhook has
// a secret; the hex digest travels in the X-Signature header with an sha256=
// prefix. Failed attempts back off exponentially until the attempt budget is
// exhausted.
type WebhookDeliveryService struct {
	repo    core.WebhookRepository
	client  *http.Client
	config  config.NotifierConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewWebhookDeliveryService constructs a new WebhookDeliveryService.
func NewWebhookDeliveryService(opts WebhookDeliveryServiceOptions) (*WebhookDeliveryService, error) {
	if opts.Repo == nil {
		return nil, errors.New("WebhookRepository is required")
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Config.DeliveryTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "webhook_delivery_service")
	}

	return &WebhookDeliveryService{
		repo:    opts.Repo,
		client:  client,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Send records a delivery for the webhook and attempts it once inline.
// Retries for a failed attempt run later through RetryDue. A payload rejected
// by the webhook's filter produces no delivery at all.
func (s *WebhookDeliveryService) Send(ctx context.Context, webhook *model.WebhookConfiguration, event model.WebhookEventType, payload []byte) error {
	matched, err := s.matchesFilter(webhook, payload)
	if err != nil {
		return fmt.Errorf("evaluate payload filter: %w", err)
	}
	if !matched {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "payload filtered out",
				"webhook_id", webhook.ID, "event", string(event))
		}
		return nil
	}

	delivery, err := s.repo.CreateDelivery(ctx, &model.WebhookDelivery{
		WebhookID: webhook.ID,
		EventType: string(event),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}

	s.attempt(ctx, webhook, delivery)
	return nil
}

// SendDetached runs Send on a new goroutine with a panic boundary, detached
// from the caller's context so an in-flight delivery survives request teardown.
func (s *WebhookDeliveryService) SendDetached(webhook *model.WebhookConfiguration, event model.WebhookEventType, payload []byte) {
	go func() {
		defer func() {
			if r := recover(); r != nil && s.logger != nil {
				s.logger.Error("webhook send panicked",
					"webhook_id", webhook.ID, "panic", fmt.Sprintf("%v", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.DeliveryTimeout*2)
		defer cancel()
		if err := s.Send(ctx, webhook, event, payload); err != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "webhook send failed",
				"webhook_id", webhook.ID, "error", err)
		}
	}()
}

// RetryDue attempts every pending delivery whose backoff has elapsed.
// Returns the number of deliveries attempted.
func (s *WebhookDeliveryService) RetryDue(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueDeliveries(ctx, time.Time{}, s.config.RetryLimit)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}

	attempted := 0
	for _, delivery := range due {
		if err := ctx.Err(); err != nil {
			return attempted, err
		}
		// A fresh delivery (zero attempts) is the inline send's responsibility,
		// unless that process died before attempting it.
		webhook, werr := s.repo.GetByID(ctx, delivery.WebhookID)
		if werr != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "delivery webhook lookup failed",
					"delivery_id", delivery.ID, "error", werr)
			}
			continue
		}
		if !webhook.IsEnabled {
			continue
		}
		s.attempt(ctx, webhook, delivery)
		attempted++
	}
	return attempted, nil
}

// attempt performs one HTTP delivery and records the outcome.
func (s *WebhookDeliveryService) attempt(ctx context.Context, webhook *model.WebhookConfiguration, delivery *model.WebhookDelivery) {
	code, body, err := s.post(ctx, webhook, delivery.Payload)
	success := err == nil && code >= 200 && code < 300

	responseBody := body
	if err != nil {
		responseBody = err.Error()
	}

	updated, rerr := s.repo.RecordAttempt(ctx, core.RecordDeliveryAttemptParams{
		DeliveryID:   delivery.ID,
		Success:      success,
		ResponseCode: code,
		ResponseBody: responseBody,
	})
	if rerr != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "record delivery attempt failed",
				"delivery_id", delivery.ID, "error", rerr)
		}
		return
	}

	result := "success"
	if !success {
		result = "error"
	}
	if s.metrics != nil {
		s.metrics.Count("webhook.delivery", 1, map[string]string{
			"result":   result,
			"terminal": fmt.Sprintf("%t", updated.Status != model.DeliveryStatusPending),
		})
	}
	if !success && s.logger != nil {
		s.logger.WarnContext(ctx, "webhook delivery attempt failed",
			"delivery_id", delivery.ID,
			"webhook_id", webhook.ID,
			"attempts", updated.Attempts,
			"status_code", code)
	}
}

func (s *WebhookDeliveryService) post(ctx context.Context, webhook *model.WebhookConfiguration, payload []byte) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if webhook.Secret != "" {
		req.Header.Set(signatureHeader, Sign(webhook.Secret, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return resp.StatusCode, string(body), nil
}

// matchesFilter evaluates the webhook's JMESPath payload filter against the
// payload. No filter matches everything; a falsy result suppresses delivery.
func (s *WebhookDeliveryService) matchesFilter(webhook *model.WebhookConfiguration, payload []byte) (bool, error) {
	if webhook.PayloadFilter == nil || *webhook.PayloadFilter == "" {
		return true, nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}

	result, err := jmespath.Search(*webhook.PayloadFilter, doc)
	if err != nil {
		return false, fmt.Errorf("jmespath %q: %w", *webhook.PayloadFilter, err)
	}

	switch v := result.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return true, nil
	}
}

// Sign computes the HMAC-SHA256 signature header value for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
