package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data/pgxutil"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// WebhookRepo provides database operations for webhook configurations and deliveries.
type WebhookRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewWebhookRepo creates a new WebhookRepo instance with the given database connection and configuration.
func NewWebhookRepo(db *sql.DB, cfg RepoConfig) *WebhookRepo {
	return &WebhookRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const webhookColumns = `
  id,
  user_id,
  name,
  url,
  secret,
  event_types,
  payload_filter,
  is_enabled,
  failure_count,
  last_success_at,
  last_failure_at,
  created_at
`

const deliveryColumns = `
  id,
  webhook_id,
  event_type,
  payload,
  status,
  attempts,
  max_attempts,
  response_code,
  response_body,
  next_retry_at,
  created_at,
  updated_at
`

// Create registers a new webhook configuration.
func (r *WebhookRepo) Create(ctx context.Context, cfg *model.WebhookConfiguration) (*model.WebhookConfiguration, error) {
	if cfg == nil {
		return nil, errors.New("webhook configuration is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO webhook_configurations(
			user_id, name, url, secret, event_types, payload_filter, is_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + webhookColumns

	currentTime := r.timeProvider.Now().UTC()

	var created *model.WebhookConfiguration
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query,
			cfg.UserID, cfg.Name, cfg.URL, cfg.Secret, cfg.EventTypes,
			cfg.PayloadFilter, cfg.IsEnabled, currentTime)
		if qerr != nil {
			return fmt.Errorf("insert webhook: %w", qerr)
		}
		w, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.WebhookConfiguration])
		if cerr != nil {
			return fmt.Errorf("collect webhook: %w", cerr)
		}
		created = w
		return nil
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// GetByID retrieves a webhook configuration by its ID.
func (r *WebhookRepo) GetByID(ctx context.Context, id string) (*model.WebhookConfiguration, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_configurations WHERE id = $1`

	var cfg *model.WebhookConfiguration
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, id)
		if qerr != nil {
			return fmt.Errorf("query webhook: %w", qerr)
		}
		w, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.WebhookConfiguration])
		if errors.Is(cerr, pgx.ErrNoRows) {
			return ErrWebhookNotFound
		}
		if cerr != nil {
			return fmt.Errorf("collect webhook: %w", cerr)
		}
		cfg = w
		return nil
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListEnabledForEvent returns the user's enabled webhooks subscribed to the event type.
func (r *WebhookRepo) ListEnabledForEvent(ctx context.Context, userID string, event model.WebhookEventType) ([]*model.WebhookConfiguration, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if !event.Valid() {
		return nil, fmt.Errorf("invalid event type: %s", event)
	}

	query := `
		SELECT ` + webhookColumns + `
		FROM webhook_configurations
		WHERE user_id = $1 AND is_enabled AND $2 = ANY(event_types)
		ORDER BY created_at ASC, id ASC
	`

	var result []*model.WebhookConfiguration
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, userID, string(event))
		if qerr != nil {
			return fmt.Errorf("query webhooks for event: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.WebhookConfiguration])
		if cerr != nil {
			return fmt.Errorf("collect webhooks: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

const defaultDeliveryMaxAttempts = 3

// CreateDelivery records a new pending delivery for a webhook payload.
func (r *WebhookRepo) CreateDelivery(ctx context.Context, delivery *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	if delivery == nil {
		return nil, errors.New("delivery is required")
	}
	if delivery.WebhookID == "" || delivery.EventType == "" {
		return nil, errors.New("webhook id and event type are required")
	}
	maxAttempts := delivery.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultDeliveryMaxAttempts
	}

	query := `
		INSERT INTO webhook_deliveries(
			webhook_id, event_type, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $5)
		RETURNING ` + deliveryColumns

	currentTime := r.timeProvider.Now().UTC()

	var created *model.WebhookDelivery
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query,
			delivery.WebhookID, delivery.EventType, delivery.Payload, maxAttempts, currentTime)
		if qerr != nil {
			return fmt.Errorf("insert delivery: %w", qerr)
		}
		d, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.WebhookDelivery])
		if cerr != nil {
			return fmt.Errorf("collect delivery: %w", cerr)
		}
		created = d
		return nil
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// GetDelivery retrieves a delivery by its ID.
func (r *WebhookRepo) GetDelivery(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`

	var delivery *model.WebhookDelivery
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, id)
		if qerr != nil {
			return fmt.Errorf("query delivery: %w", qerr)
		}
		d, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.WebhookDelivery])
		if errors.Is(cerr, pgx.ErrNoRows) {
			return ErrDeliveryNotFound
		}
		if cerr != nil {
			return fmt.Errorf("collect delivery: %w", cerr)
		}
		delivery = d
		return nil
	}); err != nil {
		return nil, err
	}
	return delivery, nil
}

// ListDueDeliveries returns pending deliveries whose retry time has passed.
// A fresh delivery with no next_retry_at is due immediately.
func (r *WebhookRepo) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.WebhookDelivery, error) {
	if now.IsZero() {
		now = r.timeProvider.Now()
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`

	var result []*model.WebhookDelivery
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, now.UTC(), limit)
		if qerr != nil {
			return fmt.Errorf("query due deliveries: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.WebhookDelivery])
		if cerr != nil {
			return fmt.Errorf("collect due deliveries: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordAttempt applies one delivery attempt outcome in a single transaction.
// Failure schedules the next retry at now + 2^attempts minutes until the
// attempt budget is exhausted, at which point the delivery fails terminally.
func (r *WebhookRepo) RecordAttempt(ctx context.Context, params core.RecordDeliveryAttemptParams) (*model.WebhookDelivery, error) {
	if params.DeliveryID == "" {
		return nil, errors.New("delivery id is required")
	}
	now := params.Now
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	var updated *model.WebhookDelivery
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var qerr error
			if params.Success {
				updated, qerr = r.recordSuccess(ctx, tx, params, now)
			} else {
				updated, qerr = r.recordFailure(ctx, tx, params, now)
			}
			return qerr
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *WebhookRepo) recordSuccess(ctx context.Context, tx pgx.Tx, params core.RecordDeliveryAttemptParams, now time.Time) (*model.WebhookDelivery, error) {
	rows, err := tx.Query(ctx, `
		UPDATE webhook_deliveries
		SET status = 'success',
		    attempts = attempts + 1,
		    response_code = $2,
		    response_body = NULLIF($3, ''),
		    next_retry_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deliveryColumns,
		params.DeliveryID, params.ResponseCode, params.ResponseBody, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("record delivery success: %w", err)
	}
	delivery, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.WebhookDelivery])
	if errors.Is(cerr, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if cerr != nil {
		return nil, fmt.Errorf("collect delivery: %w", cerr)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_configurations
		SET failure_count = 0,
		    last_success_at = $2
		WHERE id = $1
	`, delivery.WebhookID, now.UTC()); err != nil {
		return nil, fmt.Errorf("stamp webhook success: %w", err)
	}
	return delivery, nil
}

func (r *WebhookRepo) recordFailure(ctx context.Context, tx pgx.Tx, params core.RecordDeliveryAttemptParams, now time.Time) (*model.WebhookDelivery, error) {
	// Backoff doubles per attempt: 2, 4, 8 minutes for the default budget.
	// Every attempt within the budget schedules a retry; only the attempt
	// after the budget is spent (attempts already at max) fails terminally.
	rows, err := tx.Query(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1,
		    response_code = NULLIF($2, 0),
		    response_body = NULLIF($3, ''),
		    status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    next_retry_at = CASE
		      WHEN attempts >= max_attempts THEN NULL
		      ELSE $4::timestamptz + make_interval(mins => 1 << (attempts + 1))
		    END,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deliveryColumns,
		params.DeliveryID, params.ResponseCode, params.ResponseBody, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("record delivery failure: %w", err)
	}
	delivery, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.WebhookDelivery])
	if errors.Is(cerr, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if cerr != nil {
		return nil, fmt.Errorf("collect delivery: %w", cerr)
	}

	// The webhook's failure tally tracks deliveries lost for good, not
	// individual attempts that will be retried.
	if delivery.Status == model.DeliveryStatusFailed {
		if _, err := tx.Exec(ctx, `
			UPDATE webhook_configurations
			SET failure_count = failure_count + 1,
			    last_failure_at = $2
			WHERE id = $1
		`, delivery.WebhookID, now.UTC()); err != nil {
			return nil, fmt.Errorf("stamp webhook failure: %w", err)
		}
		if r.logger != nil {
			r.logger.WarnContext(ctx, "webhook delivery exhausted attempts",
				"delivery_id", delivery.ID,
				"webhook_id", delivery.WebhookID,
				"attempts", delivery.Attempts)
		}
	}
	return delivery, nil
}

// DeleteTerminalOlderThan deletes terminal deliveries past the retention window
// in bounded batches.
func (r *WebhookRepo) DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("maxAge must be positive")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()

	query := `
		DELETE FROM webhook_deliveries
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status IN ('success', 'failed')
			  AND updated_at < $1
			LIMIT $2
		)
	`

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := r.DB.ExecContext(ctx, query, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("delete old deliveries: %w", err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("delete rows affected: %w", err)
		}
		total += rowsAffected
		if rowsAffected < int64(batchSize) {
			break
		}
	}
	return total, nil
}
