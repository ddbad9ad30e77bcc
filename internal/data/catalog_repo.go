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

// ErrInstallerNotFound is returned when no installer exists for a package version.
var ErrInstallerNotFound = errors.New("installer not found")

// CatalogRepo serves winget catalog data from the locally synced catalog tables.
// The sync itself happens out of band; this repo only reads.
type CatalogRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewCatalogRepo creates a new CatalogRepo instance with the given database connection and configuration.
func NewCatalogRepo(db *sql.DB, cfg RepoConfig) *CatalogRepo {
	return &CatalogRepo{
		DB:     db,
		logger: cfg.Logger,
	}
}

// LatestVersions returns the winget id -> latest version map for the whole catalog.
func (r *CatalogRepo) LatestVersions(ctx context.Context) (map[string]model.CatalogEntry, error) {
	query := `
		SELECT winget_id, app_name, latest_version
		FROM winget_catalog
		WHERE latest_version <> ''
	`

	result := make(map[string]model.CatalogEntry)
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query)
		if qerr != nil {
			return fmt.Errorf("query catalog versions: %w", qerr)
		}
		defer rows.Close()

		for rows.Next() {
			var entry model.CatalogEntry
			if serr := rows.Scan(&entry.WingetID, &entry.AppName, &entry.LatestVersion); serr != nil {
				return fmt.Errorf("scan catalog entry: %w", serr)
			}
			result[entry.WingetID] = entry
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// InstallerFor resolves installer metadata for one package version.
func (r *CatalogRepo) InstallerFor(ctx context.Context, wingetID, version string) (*model.InstallerMetadata, error) {
	if wingetID == "" || version == "" {
		return nil, errors.New("winget id and version are required")
	}

	query := `
		SELECT winget_id, version, installer_url, installer_type, COALESCE(sha256, '')
		FROM winget_installers
		WHERE winget_id = $1 AND version = $2
		ORDER BY installer_type ASC
		LIMIT 1
	`

	meta := &model.InstallerMetadata{}
	err := r.DB.QueryRowContext(ctx, query, wingetID, version).Scan(
		&meta.WingetID, &meta.Version, &meta.InstallerURL, &meta.InstallerType, &meta.Sha256,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query installer: %w", err)
	}
	return meta, nil
}
