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

// BatchRepo provides database operations for batch deployments and their items.
type BatchRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewBatchRepo creates a new BatchRepo instance with the given database connection and configuration.
func NewBatchRepo(db *sql.DB, cfg RepoConfig) *BatchRepo {
	return &BatchRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const batchColumns = `
  id,
  user_id,
  winget_id,
  app_name,
  target_version,
  status,
  total_tenants,
  completed_tenants,
  failed_tenants,
  created_at,
  completed_at
`

const batchItemColumns = `
  id,
  batch_id,
  tenant_id,
  job_id,
  status,
  message,
  created_at,
  completed_at
`

// Create inserts a new pending batch deployment.
func (r *BatchRepo) Create(ctx context.Context, req *model.CreateBatchRequest) (*model.BatchDeployment, error) {
	if req == nil {
		return nil, errors.New("create batch request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO batch_deployments(user_id, winget_id, app_name, target_version, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING ` + batchColumns

	currentTime := r.timeProvider.Now().UTC()

	var batch *model.BatchDeployment
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query,
			req.UserID, req.WingetID, req.AppName, req.TargetVersion, currentTime)
		if qerr != nil {
			return fmt.Errorf("insert batch: %w", qerr)
		}
		b, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.BatchDeployment])
		if cerr != nil {
			return fmt.Errorf("collect batch: %w", cerr)
		}
		batch = b
		return nil
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// GetByID retrieves a batch deployment by its ID.
func (r *BatchRepo) GetByID(ctx context.Context, id string) (*model.BatchDeployment, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_deployments WHERE id = $1`

	var batch *model.BatchDeployment
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, id)
		if qerr != nil {
			return fmt.Errorf("query batch: %w", qerr)
		}
		b, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.BatchDeployment])
		if errors.Is(cerr, pgx.ErrNoRows) {
			return ErrBatchNotFound
		}
		if cerr != nil {
			return fmt.Errorf("collect batch: %w", cerr)
		}
		batch = b
		return nil
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// ListByStatus returns batches in the given status, oldest first.
func (r *BatchRepo) ListByStatus(ctx context.Context, status model.BatchStatus, limit int) ([]*model.BatchDeployment, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid batch status: %s", status)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + batchColumns + `
		FROM batch_deployments
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`

	var result []*model.BatchDeployment
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, status, limit)
		if qerr != nil {
			return fmt.Errorf("query batches by status: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.BatchDeployment])
		if cerr != nil {
			return fmt.Errorf("collect batches: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// StartBatch transitions a pending batch to in_progress and records the number
// of per-tenant items that were created for it.
func (r *BatchRepo) StartBatch(ctx context.Context, batchID string, totalTenants int) (bool, error) {
	if totalTenants < 0 {
		return false, errors.New("totalTenants must not be negative")
	}

	query := `
		UPDATE batch_deployments
		SET status = 'in_progress',
		    total_tenants = $2
		WHERE id = $1 AND status = 'pending'
	`

	res, err := r.DB.ExecContext(ctx, query, batchID, totalTenants)
	if err != nil {
		return false, fmt.Errorf("start batch: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start batch rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CreateItem inserts one per-tenant batch item.
func (r *BatchRepo) CreateItem(ctx context.Context, item *model.BatchItem) (*model.BatchItem, error) {
	if item == nil {
		return nil, errors.New("batch item is required")
	}
	if item.BatchID == "" || item.TenantID == "" {
		return nil, errors.New("batch id and tenant id are required")
	}
	status := item.Status
	if status == "" {
		status = model.BatchItemStatusPending
	}

	query := `
		INSERT INTO batch_items(batch_id, tenant_id, job_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + batchItemColumns

	currentTime := r.timeProvider.Now().UTC()

	var created *model.BatchItem
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, item.BatchID, item.TenantID, item.JobID, status, currentTime)
		if qerr != nil {
			return fmt.Errorf("insert batch item: %w", qerr)
		}
		it, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.BatchItem])
		if cerr != nil {
			return fmt.Errorf("collect batch item: %w", cerr)
		}
		created = it
		return nil
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// AttachJob records the packaging job created for an item and moves it to in_progress.
func (r *BatchRepo) AttachJob(ctx context.Context, itemID, jobID string) (bool, error) {
	if itemID == "" || jobID == "" {
		return false, errors.New("item id and job id are required")
	}

	query := `
		UPDATE batch_items
		SET job_id = $2,
		    status = 'in_progress'
		WHERE id = $1 AND status = 'pending'
	`

	res, err := r.DB.ExecContext(ctx, query, itemID, jobID)
	if err != nil {
		return false, fmt.Errorf("attach job to batch item: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach job rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListItems returns all items for a batch, ordered by creation.
func (r *BatchRepo) ListItems(ctx context.Context, batchID string) ([]*model.BatchItem, error) {
	query := `
		SELECT ` + batchItemColumns + `
		FROM batch_items
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC
	`

	var result []*model.BatchItem
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, batchID)
		if qerr != nil {
			return fmt.Errorf("query batch items: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.BatchItem])
		if cerr != nil {
			return fmt.Errorf("collect batch items: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordItemOutcome marks the item that owns the given job terminal and bumps
// the parent batch's counter in the same transaction. An already-terminal item
// is a no-op so replayed completion hooks cannot double-count.
func (r *BatchRepo) RecordItemOutcome(ctx context.Context, params core.RecordItemOutcomeParams) (string, error) {
	if params.JobID == "" {
		return "", errors.New("job id is required")
	}
	if !params.Status.Terminal() {
		return "", fmt.Errorf("item outcome status must be terminal, got %q", params.Status)
	}
	now := params.Now
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	return r.finishItem(ctx, finishItemParams{
		WhereClause: "job_id = $1",
		Key:         params.JobID,
		Status:      params.Status,
		Message:     params.Message,
		Now:         now,
	})
}

// FailItem marks an item that never got a job as failed and bumps the parent
// batch's failed counter.
func (r *BatchRepo) FailItem(ctx context.Context, itemID, message string) (string, error) {
	if itemID == "" {
		return "", errors.New("item id is required")
	}
	return r.finishItem(ctx, finishItemParams{
		WhereClause: "id = $1",
		Key:         itemID,
		Status:      model.BatchItemStatusFailed,
		Message:     message,
		Now:         r.timeProvider.Now(),
	})
}

type finishItemParams struct {
	WhereClause string
	Key         string
	Status      model.BatchItemStatus
	Message     string
	Now         time.Time
}

func (r *BatchRepo) finishItem(ctx context.Context, p finishItemParams) (string, error) {
	counterColumn := "completed_tenants"
	if p.Status == model.BatchItemStatusFailed {
		counterColumn = "failed_tenants"
	}

	var batchID string
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			err := tx.QueryRow(ctx, `
				UPDATE batch_items
				SET status = $2,
				    message = NULLIF($3, ''),
				    completed_at = $4
				WHERE `+p.WhereClause+` AND status IN ('pending', 'in_progress')
				RETURNING batch_id
			`, p.Key, p.Status, p.Message, p.Now.UTC()).Scan(&batchID)
			if errors.Is(err, pgx.ErrNoRows) {
				batchID = ""
				return nil
			}
			if err != nil {
				return fmt.Errorf("update batch item: %w", err)
			}

			// The counter bump rides the item transition so the two can never diverge.
			if _, err := tx.Exec(ctx,
				`UPDATE batch_deployments SET `+counterColumn+` = `+counterColumn+` + 1 WHERE id = $1`,
				batchID,
			); err != nil {
				return fmt.Errorf("bump batch counter: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// ListStuckItems returns in-progress items created before olderThan whose job
// is already terminal or missing, for reconciliation by the sweep.
func (r *BatchRepo) ListStuckItems(ctx context.Context, olderThan time.Time) ([]*model.BatchItem, error) {
	query := `
		SELECT i.id, i.batch_id, i.tenant_id, i.job_id, i.status, i.message, i.created_at, i.completed_at
		FROM batch_items i
		LEFT JOIN packaging_jobs j ON j.id = i.job_id
		WHERE i.status = 'in_progress'
		  AND i.created_at < $1
		  AND (j.id IS NULL OR j.status IN ('deployed', 'duplicate_skipped', 'failed', 'cancelled'))
		ORDER BY i.created_at ASC
	`

	var result []*model.BatchItem
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, olderThan.UTC())
		if qerr != nil {
			return fmt.Errorf("query stuck batch items: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.BatchItem])
		if cerr != nil {
			return fmt.Errorf("collect stuck batch items: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteBatch transitions an in_progress batch whose counters cover every
// tenant to the given terminal status. Conditional, so a replayed call is a no-op.
func (r *BatchRepo) CompleteBatch(ctx context.Context, batchID string, status model.BatchStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("batch completion status must be terminal, got %q", status)
	}

	currentTime := r.timeProvider.Now().UTC()
	query := `
		UPDATE batch_deployments
		SET status = $2,
		    completed_at = $3
		WHERE id = $1
		  AND status = 'in_progress'
		  AND completed_tenants + failed_tenants >= total_tenants
		  AND total_tenants > 0
	`

	res, err := r.DB.ExecContext(ctx, query, batchID, status, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete batch rows affected: %w", err)
	}

	if rowsAffected > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "batch reached terminal status",
			"batch_id", batchID,
			"status", string(status))
	}
	return rowsAffected > 0, nil
}

// FailBatch force-fails a non-terminal batch and records the reason in the audit log.
func (r *BatchRepo) FailBatch(ctx context.Context, batchID, reason string) (bool, error) {
	if batchID == "" {
		return false, errors.New("batch id is required")
	}

	currentTime := r.timeProvider.Now().UTC()
	var failed bool
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				UPDATE batch_deployments
				SET status = 'failed',
				    completed_at = $2
				WHERE id = $1 AND status IN ('pending', 'in_progress')
			`, batchID, currentTime)
			if err != nil {
				return fmt.Errorf("fail batch: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO batch_audit_log(batch_id, action, detail, created_at)
				VALUES ($1, 'failed', $2, $3)
			`, batchID, reason, currentTime); err != nil {
				return fmt.Errorf("audit batch failure: %w", err)
			}
			failed = true
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return failed, nil
}

// AppendAudit inserts one immutable audit-log record for a batch transition.
func (r *BatchRepo) AppendAudit(ctx context.Context, entry *model.BatchAuditEntry) error {
	if entry == nil {
		return errors.New("audit entry is required")
	}
	if entry.BatchID == "" || entry.Action == "" {
		return errors.New("batch id and action are required")
	}

	currentTime := entry.CreatedAt
	if currentTime.IsZero() {
		currentTime = r.timeProvider.Now()
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO batch_audit_log(batch_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, entry.BatchID, entry.Action, entry.Detail, currentTime.UTC())
	if err != nil {
		return fmt.Errorf("append batch audit: %w", err)
	}
	return nil
}
