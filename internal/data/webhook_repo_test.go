package data_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/testutil"
)

func newWebhookRepo(db *sql.DB, clock data.TimeProvider) *data.WebhookRepo {
	return data.NewWebhookRepo(db, data.RepoConfig{TimeProvider: clock})
}

func createWebhookWithDelivery(t *testing.T, repo *data.WebhookRepo) (*model.WebhookConfiguration, *model.WebhookDelivery) {
	t.Helper()
	ctx := context.Background()

	webhook, err := repo.Create(ctx, &model.WebhookConfiguration{
		UserID:     "user-1",
		Name:       "ops",
		URL:        "https://hooks.example.com/winpack",
		Secret:     "s3cret",
		EventTypes: []string{string(model.WebhookEventJobFailed)},
		IsEnabled:  true,
	})
	require.NoError(t, err)

	delivery, err := repo.CreateDelivery(ctx, &model.WebhookDelivery{
		WebhookID: webhook.ID,
		EventType: string(model.WebhookEventJobFailed),
		Payload:   []byte(`{"job_id":"job-1"}`),
	})
	require.NoError(t, err)
	require.Equal(t, model.DeliveryStatusPending, delivery.Status)
	require.Equal(t, 3, delivery.MaxAttempts)
	return webhook, delivery
}

func failDelivery(t *testing.T, repo *data.WebhookRepo, id string, now time.Time) *model.WebhookDelivery {
	t.Helper()
	updated, err := repo.RecordAttempt(context.Background(), core.RecordDeliveryAttemptParams{
		DeliveryID:   id,
		Success:      false,
		ResponseCode: 503,
		ResponseBody: "unavailable",
		Now:          now,
	})
	require.NoError(t, err)
	return updated
}

func TestWebhookRepo_RecordAttempt_RetrySchedule(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(testEpoch)
		repo := newWebhookRepo(db, clock)
		webhook, delivery := createWebhookWithDelivery(t, repo)

		// Attempts within the budget back off at 2, 4, then 8 minutes.
		backoffs := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
		for i, backoff := range backoffs {
			updated := failDelivery(t, repo, delivery.ID, testEpoch)
			assert.Equal(t, model.DeliveryStatusPending, updated.Status)
			assert.Equal(t, i+1, updated.Attempts)
			require.NotNil(t, updated.NextRetryAt)
			assert.WithinDuration(t, testEpoch.Add(backoff), *updated.NextRetryAt, time.Second)

			// The webhook's failure tally does not move while retries remain.
			cfg, err := repo.GetByID(ctx, webhook.ID)
			require.NoError(t, err)
			assert.Zero(t, cfg.FailureCount)
			assert.Nil(t, cfg.LastFailureAt)
		}

		// The attempt after the budget is terminal.
		updated := failDelivery(t, repo, delivery.ID, testEpoch)
		assert.Equal(t, model.DeliveryStatusFailed, updated.Status)
		assert.Equal(t, 4, updated.Attempts)
		assert.Nil(t, updated.NextRetryAt)

		cfg, err := repo.GetByID(ctx, webhook.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.FailureCount)
		require.NotNil(t, cfg.LastFailureAt)

		// Terminal deliveries take no further attempts.
		_, err = repo.RecordAttempt(ctx, core.RecordDeliveryAttemptParams{
			DeliveryID: delivery.ID,
			Success:    false,
			Now:        testEpoch,
		})
		assert.ErrorIs(t, err, data.ErrDeliveryNotFound)
	})
}

func TestWebhookRepo_RecordAttempt_Success(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(testEpoch)
		repo := newWebhookRepo(db, clock)
		webhook, delivery := createWebhookWithDelivery(t, repo)

		failDelivery(t, repo, delivery.ID, testEpoch)

		updated, err := repo.RecordAttempt(ctx, core.RecordDeliveryAttemptParams{
			DeliveryID:   delivery.ID,
			Success:      true,
			ResponseCode: 200,
			Now:          testEpoch.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryStatusSuccess, updated.Status)
		assert.Equal(t, 2, updated.Attempts)
		assert.Nil(t, updated.NextRetryAt)

		cfg, err := repo.GetByID(ctx, webhook.ID)
		require.NoError(t, err)
		assert.Zero(t, cfg.FailureCount)
		require.NotNil(t, cfg.LastSuccessAt)
	})
}

func TestWebhookRepo_ListDueDeliveries(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(testEpoch)
		repo := newWebhookRepo(db, clock)
		_, delivery := createWebhookWithDelivery(t, repo)

		// Fresh deliveries are due immediately.
		due, err := repo.ListDueDeliveries(ctx, testEpoch, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, delivery.ID, due[0].ID)

		// After a failure the delivery waits out its backoff.
		failDelivery(t, repo, delivery.ID, testEpoch)

		due, err = repo.ListDueDeliveries(ctx, testEpoch.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = repo.ListDueDeliveries(ctx, testEpoch.Add(3*time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})
}
