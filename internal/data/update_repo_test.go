package data_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/testutil"
)

func newUpdateResultRepo(db *sql.DB, clock data.TimeProvider) *data.UpdateResultRepo {
	return data.NewUpdateResultRepo(db, data.RepoConfig{TimeProvider: clock})
}

func firefoxDetection(latest string) *model.UpdateCheckResult {
	return &model.UpdateCheckResult{
		UserID:         "user-1",
		TenantID:       "tenant-1",
		WingetID:       "Mozilla.Firefox",
		AppName:        "Firefox",
		IntuneAppID:    "intune-1",
		CurrentVersion: "129.0",
		LatestVersion:  latest,
	}
}

func countUpdateResults(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM update_check_results").Scan(&n))
	return n
}

func TestUpdateResultRepo_Upsert(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(testEpoch)
		repo := newUpdateResultRepo(db, clock)

		first, err := repo.Upsert(ctx, firefoxDetection("130.0"))
		require.NoError(t, err)
		assert.Nil(t, first.NotifiedAt)

		// Re-detecting the same key refreshes the row instead of duplicating it.
		clock.AddTime(time.Hour)
		again, err := repo.Upsert(ctx, firefoxDetection("130.0"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, 1, countUpdateResults(t, db))
	})
}

func TestUpdateResultRepo_UpsertNotificationReset(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(testEpoch)
		repo := newUpdateResultRepo(db, clock)

		saved, err := repo.Upsert(ctx, firefoxDetection("130.0"))
		require.NoError(t, err)
		require.NoError(t, repo.MarkNotified(ctx, []string{saved.ID}, testEpoch))

		// Same latest version: the detection stays notified.
		refreshed, err := repo.Upsert(ctx, firefoxDetection("130.0"))
		require.NoError(t, err)
		assert.NotNil(t, refreshed.NotifiedAt)

		unnotified, err := repo.ListUnnotified(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, unnotified)

		// A newer latest version re-arms the notification.
		refreshed, err = repo.Upsert(ctx, firefoxDetection("131.0"))
		require.NoError(t, err)
		assert.Nil(t, refreshed.NotifiedAt)

		unnotified, err = repo.ListUnnotified(ctx, 10)
		require.NoError(t, err)
		require.Len(t, unnotified, 1)
		assert.Equal(t, "131.0", unnotified[0].LatestVersion)
	})
}

func TestUpdateResultRepo_PurgeOlderThan(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(testEpoch)
		repo := newUpdateResultRepo(db, clock)

		stale := firefoxDetection("130.0")
		stale.DetectedAt = testEpoch.Add(-40 * 24 * time.Hour)
		_, err := repo.Upsert(ctx, stale)
		require.NoError(t, err)

		fresh := firefoxDetection("130.0")
		fresh.IntuneAppID = "intune-2"
		_, err = repo.Upsert(ctx, fresh)
		require.NoError(t, err)

		purged, err := repo.PurgeOlderThan(ctx, testEpoch.Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, purged)
		assert.Equal(t, 1, countUpdateResults(t, db))
	})
}
