package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data/pgxutil"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// PolicyRepo provides database operations for app update policies.
type PolicyRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewPolicyRepo creates a new PolicyRepo instance with the given database connection and configuration.
func NewPolicyRepo(db *sql.DB, cfg RepoConfig) *PolicyRepo {
	return &PolicyRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const policyColumns = `
  id,
  user_id,
  tenant_id,
  winget_id,
  policy_type,
  is_enabled,
  pinned_version,
  deployment_config,
  consecutive_failures,
  last_auto_update_at,
  last_auto_update_version,
  created_at,
  updated_at
`

// Upsert inserts a policy or replaces the existing one for the same
// (user, tenant, package) key. The unique index enforces one policy per key.
func (r *PolicyRepo) Upsert(ctx context.Context, policy *model.AppUpdatePolicy) (*model.AppUpdatePolicy, error) {
	if policy == nil {
		return nil, errors.New("policy is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO app_update_policies(
			user_id, tenant_id, winget_id, policy_type, is_enabled,
			pinned_version, deployment_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, tenant_id, winget_id) DO UPDATE
		SET policy_type = EXCLUDED.policy_type,
		    is_enabled = EXCLUDED.is_enabled,
		    pinned_version = EXCLUDED.pinned_version,
		    deployment_config = EXCLUDED.deployment_config,
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + policyColumns

	currentTime := r.timeProvider.Now().UTC()

	var saved *model.AppUpdatePolicy
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query,
			policy.UserID, policy.TenantID, policy.WingetID,
			policy.PolicyType, policy.IsEnabled,
			policy.PinnedVersion, policy.DeploymentConfig, currentTime)
		if qerr != nil {
			return fmt.Errorf("upsert policy: %w", qerr)
		}
		p, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.AppUpdatePolicy])
		if cerr != nil {
			return fmt.Errorf("collect policy: %w", cerr)
		}
		saved = p
		return nil
	}); err != nil {
		return nil, err
	}
	return saved, nil
}

// GetByKey retrieves the policy for one (user, tenant, package) key.
func (r *PolicyRepo) GetByKey(ctx context.Context, key model.PolicyKey) (*model.AppUpdatePolicy, error) {
	if key.UserID == "" || key.TenantID == "" || key.WingetID == "" {
		return nil, errors.New("user id, tenant id, and winget id are required")
	}

	query := `
		SELECT ` + policyColumns + `
		FROM app_update_policies
		WHERE user_id = $1 AND tenant_id = $2 AND winget_id = $3
	`

	var policy *model.AppUpdatePolicy
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, key.UserID, key.TenantID, key.WingetID)
		if qerr != nil {
			return fmt.Errorf("query policy: %w", qerr)
		}
		p, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.AppUpdatePolicy])
		if errors.Is(cerr, pgx.ErrNoRows) {
			return ErrPolicyNotFound
		}
		if cerr != nil {
			return fmt.Errorf("collect policy: %w", cerr)
		}
		policy = p
		return nil
	}); err != nil {
		return nil, err
	}
	return policy, nil
}

// ListByTypes returns all enabled policies of the given types across users.
func (r *PolicyRepo) ListByTypes(ctx context.Context, types []model.PolicyType) ([]*model.AppUpdatePolicy, error) {
	if len(types) == 0 {
		return nil, errors.New("at least one policy type is required")
	}
	typeStrings := make([]string, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("invalid policy type: %s", t)
		}
		typeStrings = append(typeStrings, string(t))
	}

	query := `
		SELECT ` + policyColumns + `
		FROM app_update_policies
		WHERE is_enabled AND policy_type = ANY($1)
		ORDER BY user_id, tenant_id, winget_id
	`

	var result []*model.AppUpdatePolicy
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, typeStrings)
		if qerr != nil {
			return fmt.Errorf("query policies by type: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.AppUpdatePolicy])
		if cerr != nil {
			return fmt.Errorf("collect policies: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordAutoUpdateResult advances or resets the consecutive failure counter.
// A success also stamps the last auto-update time and version.
func (r *PolicyRepo) RecordAutoUpdateResult(ctx context.Context, params core.RecordAutoUpdateParams) error {
	if params.PolicyID == "" {
		return errors.New("policy id is required")
	}
	now := params.Now
	if now.IsZero() {
		now = r.timeProvider.Now()
	}

	var query string
	if params.Success {
		query = `
			UPDATE app_update_policies
			SET consecutive_failures = 0,
			    last_auto_update_at = $2,
			    last_auto_update_version = $3,
			    updated_at = $2
			WHERE id = $1
		`
	} else {
		query = `
			UPDATE app_update_policies
			SET consecutive_failures = consecutive_failures + 1,
			    updated_at = $2
			WHERE id = $1
		`
	}

	var res sql.Result
	var err error
	if params.Success {
		res, err = r.DB.ExecContext(ctx, query, params.PolicyID, now.UTC(), params.Version)
	} else {
		res, err = r.DB.ExecContext(ctx, query, params.PolicyID, now.UTC())
	}
	if err != nil {
		return fmt.Errorf("record auto-update result: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("auto-update result rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}
