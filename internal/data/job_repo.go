package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data/pgxutil"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// RepoConfig holds shared configuration options for data repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

func (c RepoConfig) timeProvider() TimeProvider {
	if c.TimeProvider != nil {
		return c.TimeProvider
	}
	return &RealTimeProvider{}
}

// JobRepo provides database operations for packaging job management.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  user_id,
  tenant_id,
  winget_id,
  app_name,
  target_version,
  status,
  progress_percent,
  status_message,
  error_message,
  failure_stage,
  failure_code,
  batch_item_id,
  packager_id,
  packager_heartbeat_at,
  claimed_at,
  completed_at,
  created_at,
  updated_at
`

// SQL used by ClaimNext to atomically claim the oldest queued job.
const claimNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM packaging_jobs
    WHERE status = 'queued'
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE packaging_jobs j
  SET
    status = 'packaging',
    packager_id = $1,
    claimed_at = $2,
    packager_heartbeat_at = $2,
    progress_percent = 0,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.user_id, j.tenant_id, j.winget_id, j.app_name, j.target_version, j.status, j.progress_percent, j.status_message, j.error_message, j.failure_stage, j.failure_code, j.batch_item_id, j.packager_id, j.packager_heartbeat_at, j.claimed_at, j.completed_at, j.created_at, j.updated_at`

// Create enqueues a new packaging job.
func (r *JobRepo) Create(ctx context.Context, req *model.CreatePackagingJobRequest) (*model.PackagingJob, error) {
	if req == nil {
		return nil, errors.New("create packaging job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO packaging_jobs(user_id, tenant_id, winget_id, app_name, target_version, status, batch_item_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $7)
		RETURNING ` + jobColumns

	currentTime := r.timeProvider.Now().UTC()

	var job *model.PackagingJob
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query,
			req.UserID, req.TenantID, req.WingetID, req.AppName, req.TargetVersion,
			req.BatchItemID, currentTime)
		if qerr != nil {
			return fmt.Errorf("insert packaging job: %w", qerr)
		}
		j, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.PackagingJob])
		if cerr != nil {
			return fmt.Errorf("collect packaging job: %w", cerr)
		}
		job = j
		return nil
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID retrieves a packaging job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.PackagingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM packaging_jobs WHERE id = $1`

	var job *model.PackagingJob
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, id)
		if qerr != nil {
			return fmt.Errorf("query packaging job: %w", qerr)
		}
		j, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.PackagingJob])
		if errors.Is(cerr, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if cerr != nil {
			return fmt.Errorf("collect packaging job: %w", cerr)
		}
		job = j
		return nil
	}); err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext atomically claims the oldest queued job for the given packager.
// Returns model.ErrNoJobsAvailable when the queue is empty.
func (r *JobRepo) ClaimNext(ctx context.Context, params core.ClaimNextParams) (*model.PackagingJob, error) {
	if params.PackagerID == "" {
		return nil, errors.New("packager id is required")
	}
	now := params.Now
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	var job *model.PackagingJob
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, claimNextUpdateSQL, params.PackagerID, now.UTC())
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			j, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.PackagingJob])
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("collect claimed job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Advisory lock namespace for RecoverStale so concurrent pollers do not race the sweep.
const advisoryLockRecoverStaleMajor int64 = 2001

func advisoryLockRecoverStaleMinor() int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte("packaging_jobs.recover_stale"))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// RecoverStale requeues in-progress jobs whose packager heartbeat is older than
// staleAfter. The claim fields are cleared so another packager can pick them up.
func (r *JobRepo) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	if staleAfter <= 0 {
		return 0, errors.New("staleAfter must be positive")
	}
	if now.IsZero() {
		now = r.timeProvider.Now()
	}
	cutoff := now.Add(-staleAfter).UTC()

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRecoverStaleMajor, advisoryLockRecoverStaleMinor(),
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE packaging_jobs
				SET status = 'queued',
				    packager_id = NULL,
				    claimed_at = NULL,
				    packager_heartbeat_at = NULL,
				    progress_percent = 0,
				    status_message = NULL,
				    updated_at = $2
				WHERE status IN ('packaging', 'testing', 'uploading')
				  AND packager_heartbeat_at IS NOT NULL
				  AND packager_heartbeat_at < $1
			`, cutoff, now.UTC())
			if err != nil {
				return fmt.Errorf("recover stale jobs: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	if rowsAffected > 0 && r.logger != nil {
		r.logger.WarnContext(ctx, "recovered stale packaging jobs",
			"count", rowsAffected,
			"stale_after", staleAfter.String())
	}
	return rowsAffected, nil
}

// Heartbeat refreshes packager_heartbeat_at for a job held by the given packager.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID, packagerID string) (bool, error) {
	if jobID == "" || packagerID == "" {
		return false, errors.New("job id and packager id are required")
	}

	currentTime := r.timeProvider.Now().UTC()
	query := `
		UPDATE packaging_jobs
		SET packager_heartbeat_at = $3,
		    updated_at = $3
		WHERE id = $1 AND packager_id = $2
		  AND status IN ('packaging', 'testing', 'uploading')
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, packagerID, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateProgress applies a handler's progress report to an in-progress job.
// Terminal statuses are rejected; use Finalize, Fail, or Cancel for those.
func (r *JobRepo) UpdateProgress(ctx context.Context, jobID string, update model.JobProgressUpdate) (bool, error) {
	if !update.Status.InProgress() {
		return false, fmt.Errorf("progress status must be in-progress, got %q", update.Status)
	}
	pct := update.ProgressPct
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	currentTime := r.timeProvider.Now().UTC()
	query := `
		UPDATE packaging_jobs
		SET status = $2,
		    progress_percent = $3,
		    status_message = NULLIF($4, ''),
		    updated_at = $5
		WHERE id = $1
		  AND status IN ('packaging', 'testing', 'uploading')
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, update.Status, pct, update.Message, currentTime)
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("progress rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Finalize transitions an in-progress job to deployed or duplicate_skipped.
func (r *JobRepo) Finalize(ctx context.Context, outcome model.JobOutcome, now time.Time) (bool, error) {
	if outcome.Status != model.JobStatusDeployed && outcome.Status != model.JobStatusDuplicateSkipped {
		return false, fmt.Errorf("finalize status must be deployed or duplicate_skipped, got %q", outcome.Status)
	}
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	query := `
		UPDATE packaging_jobs
		SET status = $2,
		    progress_percent = 100,
		    status_message = NULLIF($3, ''),
		    error_message = NULL,
		    completed_at = $4,
		    updated_at = $4
		WHERE id = $1
		  AND status IN ('packaging', 'testing', 'uploading')
	`

	res, err := r.DB.ExecContext(ctx, query, outcome.JobID, outcome.Status, outcome.Message, now.UTC())
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail transitions a non-terminal job to failed with structured failure metadata.
func (r *JobRepo) Fail(ctx context.Context, params core.FailJobParams) (bool, error) {
	if params.JobID == "" {
		return false, errors.New("job id is required")
	}
	now := params.Now
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	query := `
		UPDATE packaging_jobs
		SET status = 'failed',
		    error_message = $2,
		    failure_stage = NULLIF($3, ''),
		    failure_code = NULLIF($4, ''),
		    completed_at = $5,
		    updated_at = $5
		WHERE id = $1
		  AND status NOT IN ('deployed', 'duplicate_skipped', 'failed', 'cancelled')
	`

	res, err := r.DB.ExecContext(ctx, query,
		params.JobID, params.Message, string(params.Stage), params.Code, now.UTC())
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Cancel transitions any non-terminal job to cancelled. A packager holding the
// job observes the cancellation on its next progress write.
func (r *JobRepo) Cancel(ctx context.Context, jobID string, now time.Time) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id is required")
	}
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	query := `
		UPDATE packaging_jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND status NOT IN ('deployed', 'duplicate_skipped', 'failed', 'cancelled')
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Stats returns per-status job counts for the given user.
func (r *JobRepo) Stats(ctx context.Context, userID string) (*model.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status IN ('packaging', 'testing', 'uploading')) AS in_progress,
			COUNT(*) FILTER (WHERE status = 'deployed') AS deployed,
			COUNT(*) FILTER (WHERE status = 'duplicate_skipped') AS skipped,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM packaging_jobs
		WHERE user_id = $1
	`

	stats := &model.JobStats{}
	err := r.DB.QueryRowContext(ctx, query, userID).Scan(
		&stats.Queued, &stats.InProgress, &stats.Deployed,
		&stats.Skipped, &stats.Failed, &stats.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// DeleteTerminalOlderThan deletes terminal jobs past the retention window in
// bounded batches. Returns the total number of rows deleted.
func (r *JobRepo) DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("maxAge must be positive")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()

	query := `
		DELETE FROM packaging_jobs
		WHERE id IN (
			SELECT id FROM packaging_jobs
			WHERE status IN ('deployed', 'duplicate_skipped', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL
			  AND completed_at < $1
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
			return total, fmt.Errorf("delete old jobs: %w", err)
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
