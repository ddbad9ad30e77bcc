package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/config"
)

func retentionConfigForTest() config.RetentionConfig {
	return config.RetentionConfig{
		Interval:        50 * time.Millisecond,
		JobMaxAge:       90 * 24 * time.Hour,
		DeliveryMaxAge:  30 * 24 * time.Hour,
		DetectionMaxAge: 30 * 24 * time.Hour,
		BatchSize:       500,
	}
}

func newRetentionService(t *testing.T, jobs *mockJobRepo, webhooks *mockWebhookRepo, detections *mockResultRepo) *RetentionService {
	t.Helper()
	svc, err := NewRetentionService(RetentionServiceOptions{
		Jobs:       jobs,
		Webhooks:   webhooks,
		Detections: detections,
		Config:     retentionConfigForTest(),
	})
	require.NoError(t, err)
	return svc
}

func TestNewRetentionService(t *testing.T) {
	t.Run("returns error when a repository is missing", func(t *testing.T) {
		_, err := NewRetentionService(RetentionServiceOptions{
			Webhooks:   &mockWebhookRepo{},
			Detections: &mockResultRepo{},
			Config:     retentionConfigForTest(),
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})
}

func TestRetentionService_Cleanup(t *testing.T) {
	t.Run("runs every step", func(t *testing.T) {
		jobs := &mockJobRepo{deleteCount: 12}
		webhooks := &mockWebhookRepo{deleteCount: 4}
		detections := &mockResultRepo{purgeCount: 7}
		svc := newRetentionService(t, jobs, webhooks, detections)

		err := svc.Cleanup(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, jobs.deleteCalls)
		assert.Equal(t, retentionConfigForTest().JobMaxAge, jobs.deleteMaxAge)
		assert.Equal(t, 1, webhooks.deleteCalls)
		assert.Equal(t, 1, detections.purgeCalls)
	})

	t.Run("a broken step does not starve the others", func(t *testing.T) {
		jobs := &mockJobRepo{deleteErr: errors.New("lock timeout")}
		webhooks := &mockWebhookRepo{deleteCount: 2}
		detections := &mockResultRepo{purgeCount: 1}
		svc := newRetentionService(t, jobs, webhooks, detections)

		err := svc.Cleanup(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "delete_terminal_jobs")
		assert.Equal(t, 1, webhooks.deleteCalls)
		assert.Equal(t, 1, detections.purgeCalls)
	})

	t.Run("collects failures from multiple steps", func(t *testing.T) {
		jobs := &mockJobRepo{deleteErr: errors.New("jobs broken")}
		webhooks := &mockWebhookRepo{deleteErr: errors.New("deliveries broken")}
		detections := &mockResultRepo{}
		svc := newRetentionService(t, jobs, webhooks, detections)

		err := svc.Cleanup(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "jobs broken")
		assert.Contains(t, err.Error(), "deliveries broken")
		assert.Equal(t, 1, detections.purgeCalls)
	})
}

func TestRetentionService_Run(t *testing.T) {
	t.Run("stops cleanly on context cancellation", func(t *testing.T) {
		jobs := &mockJobRepo{}
		svc := newRetentionService(t, jobs, &mockWebhookRepo{}, &mockResultRepo{})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Run(ctx) }()

		time.Sleep(80 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}

		assert.GreaterOrEqual(t, jobs.deleteCalls, 1)
	})
}
