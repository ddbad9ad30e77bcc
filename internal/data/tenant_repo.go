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

// TenantRepo provides database operations for managed tenants and their app inventory.
type TenantRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewTenantRepo creates a new TenantRepo instance with the given database connection and configuration.
func NewTenantRepo(db *sql.DB, cfg RepoConfig) *TenantRepo {
	return &TenantRepo{
		DB:     db,
		logger: cfg.Logger,
	}
}

const tenantColumns = `
  id,
  user_id,
  name,
  azure_tenant_id,
  is_active,
  consent_status,
  created_at
`

// GetByID retrieves a tenant by its ID.
func (r *TenantRepo) GetByID(ctx context.Context, id string) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	var tenant *model.Tenant
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, id)
		if qerr != nil {
			return fmt.Errorf("query tenant: %w", qerr)
		}
		t, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Tenant])
		if errors.Is(cerr, pgx.ErrNoRows) {
			return ErrTenantNotFound
		}
		if cerr != nil {
			return fmt.Errorf("collect tenant: %w", cerr)
		}
		tenant = t
		return nil
	}); err != nil {
		return nil, err
	}
	return tenant, nil
}

// ListDeployable returns the user's active tenants with granted consent.
func (r *TenantRepo) ListDeployable(ctx context.Context, userID string) ([]*model.Tenant, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE user_id = $1 AND is_active AND consent_status = 'granted'
		ORDER BY created_at ASC, id ASC
	`

	var result []*model.Tenant
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, userID)
		if qerr != nil {
			return fmt.Errorf("query deployable tenants: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Tenant])
		if cerr != nil {
			return fmt.Errorf("collect tenants: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// ListDeployedApps returns the Intune app inventory for one tenant, limited to
// apps the dashboard deployed (those carrying a winget id).
func (r *TenantRepo) ListDeployedApps(ctx context.Context, userID, tenantID string) ([]*model.DeployedApp, error) {
	if userID == "" || tenantID == "" {
		return nil, errors.New("user id and tenant id are required")
	}

	query := `
		SELECT intune_app_id, tenant_id, user_id, winget_id, app_name, version
		FROM deployed_apps
		WHERE user_id = $1 AND tenant_id = $2 AND winget_id <> ''
		ORDER BY app_name ASC, intune_app_id ASC
	`

	var result []*model.DeployedApp
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, userID, tenantID)
		if qerr != nil {
			return fmt.Errorf("query deployed apps: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.DeployedApp])
		if cerr != nil {
			return fmt.Errorf("collect deployed apps: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// ListCandidateUserIDs returns users eligible for the update scan: anyone with
// email notifications enabled, an enabled webhook, or an enabled policy.
func (r *TenantRepo) ListCandidateUserIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT user_id FROM notification_preferences WHERE email_enabled
		UNION
		SELECT user_id FROM webhook_configurations WHERE is_enabled
		UNION
		SELECT user_id FROM app_update_policies WHERE is_enabled
		ORDER BY user_id
	`

	var result []string
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query)
		if qerr != nil {
			return fmt.Errorf("query candidate users: %w", qerr)
		}
		defer rows.Close()

		vals, cerr := pgx.CollectRows(rows, pgx.RowTo[string])
		if cerr != nil {
			return fmt.Errorf("collect candidate users: %w", cerr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}
