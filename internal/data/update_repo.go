package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/winpackhq/winpack/internal/data/pgxutil"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// UpdateResultRepo provides database operations for detected update results.
type UpdateResultRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewUpdateResultRepo creates a new UpdateResultRepo instance with the given database connection and configuration.
func NewUpdateResultRepo(db *sql.DB, cfg RepoConfig) *UpdateResultRepo {
	return &UpdateResultRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const updateResultColumns = `
  id,
  user_id,
  tenant_id,
  winget_id,
  app_name,
  intune_app_id,
  current_version,
  latest_version,
  is_critical,
  detected_at,
  notified_at,
  dismissed_at
`

// Upsert inserts a detection or refreshes the existing row for the same
// (user, tenant, winget id, intune app id) key. A refresh resets notified_at
// only when the latest version actually changed, so unchanged re-detections
// do not re-notify.
func (r *UpdateResultRepo) Upsert(ctx context.Context, result *model.UpdateCheckResult) (*model.UpdateCheckResult, error) {
	if result == nil {
		return nil, errors.New("update check result is required")
	}
	if result.UserID == "" || result.TenantID == "" || result.WingetID == "" || result.IntuneAppID == "" {
		return nil, errors.New("user id, tenant id, winget id, and intune app id are required")
	}

	detectedAt := result.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = r.timeProvider.Now()
	}

	query := `
		INSERT INTO update_check_results(
			user_id, tenant_id, winget_id, app_name, intune_app_id,
			current_version, latest_version, is_critical, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, tenant_id, winget_id, intune_app_id) DO UPDATE
		SET app_name = EXCLUDED.app_name,
		    current_version = EXCLUDED.current_version,
		    latest_version = EXCLUDED.latest_version,
		    is_critical = EXCLUDED.is_critical,
		    detected_at = EXCLUDED.detected_at,
		    notified_at = CASE
		      WHEN update_check_results.latest_version IS DISTINCT FROM EXCLUDED.latest_version
		      THEN NULL
		      ELSE update_check_results.notified_at
		    END
		RETURNING ` + updateResultColumns

	var saved *model.UpdateCheckResult
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query,
			result.UserID, result.TenantID, result.WingetID, result.AppName, result.IntuneAppID,
			result.CurrentVersion, result.LatestVersion, result.IsCritical, detectedAt.UTC())
		if qerr != nil {
			return fmt.Errorf("upsert update result: %w", qerr)
		}
		u, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.UpdateCheckResult])
		if cerr != nil {
			return fmt.Errorf("collect update result: %w", cerr)
		}
		saved = u
		return nil
	}); err != nil {
		return nil, err
	}
	return saved, nil
}

// ListUnnotified returns detections not yet notified and not dismissed, oldest first.
func (r *UpdateResultRepo) ListUnnotified(ctx context.Context, limit int) ([]*model.UpdateCheckResult, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	query := `
		SELECT ` + updateResultColumns + `
		FROM update_check_results
		WHERE notified_at IS NULL AND dismissed_at IS NULL
		ORDER BY detected_at ASC, id ASC
		LIMIT $1
	`

	var result []*model.UpdateCheckResult
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, limit)
		if qerr != nil {
			return fmt.Errorf("query unnotified updates: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.UpdateCheckResult])
		if cerr != nil {
			return fmt.Errorf("collect unnotified updates: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkNotified stamps notified_at on the given detections.
func (r *UpdateResultRepo) MarkNotified(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			UPDATE update_check_results
			SET notified_at = $2
			WHERE id = ANY($1) AND notified_at IS NULL
		`, ids, now.UTC())
		if err != nil {
			return fmt.Errorf("mark updates notified: %w", err)
		}
		return nil
	})
}

// PurgeOlderThan deletes detections detected before the cutoff, dismissed or not.
func (r *UpdateResultRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM update_check_results
		WHERE detected_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge old update results: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}

	if rowsAffected > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "purged old update detections",
			"count", rowsAffected,
			"cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return rowsAffected, nil
}
