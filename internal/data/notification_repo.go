package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/winpackhq/winpack/internal/data/pgxutil"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// NotificationRepo provides database operations for notification history and preferences.
type NotificationRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewNotificationRepo creates a new NotificationRepo instance with the given database connection and configuration.
func NewNotificationRepo(db *sql.DB, cfg RepoConfig) *NotificationRepo {
	return &NotificationRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

// Append inserts one immutable notification history row. History rows are
// never updated or deleted by application code.
func (r *NotificationRepo) Append(ctx context.Context, record *model.NotificationRecord) error {
	if record == nil {
		return errors.New("notification record is required")
	}
	if record.UserID == "" || record.Channel == "" || record.EventType == "" {
		return errors.New("user id, channel, and event type are required")
	}

	currentTime := record.CreatedAt
	if currentTime.IsZero() {
		currentTime = r.timeProvider.Now()
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO notification_history(
			user_id, tenant_id, channel, event_type, payload, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, record.UserID, record.TenantID, record.Channel, record.EventType,
		record.Payload, record.Status, derefString(record.ErrorMessage), currentTime.UTC())
	if err != nil {
		return fmt.Errorf("append notification record: %w", err)
	}
	return nil
}

// GetPreference returns the user's notification preference, or a disabled
// default when none has been saved yet.
func (r *NotificationRepo) GetPreference(ctx context.Context, userID string) (*model.NotificationPreference, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	query := `
		SELECT user_id, email, email_enabled, email_frequency
		FROM notification_preferences
		WHERE user_id = $1
	`

	var pref *model.NotificationPreference
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, userID)
		if qerr != nil {
			return fmt.Errorf("query notification preference: %w", qerr)
		}
		p, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.NotificationPreference])
		if errors.Is(cerr, pgx.ErrNoRows) {
			pref = &model.NotificationPreference{
				UserID:         userID,
				EmailEnabled:   false,
				EmailFrequency: model.EmailFrequencyImmediate,
			}
			return nil
		}
		if cerr != nil {
			return fmt.Errorf("collect notification preference: %w", cerr)
		}
		pref = p
		return nil
	}); err != nil {
		return nil, err
	}
	return pref, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
