package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/domain/model"
)

func batchConfigForTest() config.BatchConfig {
	return config.BatchConfig{
		Interval:          10 * time.Millisecond,
		MaxPendingPerTick: 10,
		StuckItemTimeout:  30 * time.Minute,
	}
}

type batchFixture struct {
	repo    *mockBatchRepo
	tenants *mockTenantRepo
	jobRepo *mockJobRepo
	events  *mockBatchEvents
	svc     *BatchService
}

func newBatchFixture(t *testing.T, repo *mockBatchRepo, tenants *mockTenantRepo, jobRepo *mockJobRepo) *batchFixture {
	t.Helper()
	events := &mockBatchEvents{}
	jobs := MustNewJobService(JobServiceOptions{Repo: jobRepo})
	svc, err := NewBatchService(BatchServiceOptions{
		Repo:    repo,
		Tenants: tenants,
		Jobs:    jobs,
		Config:  batchConfigForTest(),
		Events:  events,
	})
	require.NoError(t, err)
	return &batchFixture{repo: repo, tenants: tenants, jobRepo: jobRepo, events: events, svc: svc}
}

func deployableTenant(id, userID string) *model.Tenant {
	return &model.Tenant{
		ID:            id,
		UserID:        userID,
		IsActive:      true,
		ConsentStatus: model.TenantConsentGranted,
	}
}

func TestNewBatchService(t *testing.T) {
	t.Run("returns error when repo is nil", func(t *testing.T) {
		jobs := MustNewJobService(JobServiceOptions{Repo: &mockJobRepo{}})

		_, err := NewBatchService(BatchServiceOptions{
			Tenants: &mockTenantRepo{},
			Jobs:    jobs,
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "BatchRepository is required")
	})
}

func TestBatchService_CreateBatch(t *testing.T) {
	t.Run("records a pending batch with an audit entry", func(t *testing.T) {
		f := newBatchFixture(t, &mockBatchRepo{}, &mockTenantRepo{}, &mockJobRepo{})

		batch, err := f.svc.CreateBatch(context.Background(), &model.CreateBatchRequest{
			UserID:        "user-1",
			WingetID:      "Mozilla.Firefox",
			AppName:       "Firefox",
			TargetVersion: "130.0",
		})

		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusPending, batch.Status)
		require.Len(t, f.repo.auditEntries, 1)
		assert.Equal(t, "created", f.repo.auditEntries[0].Action)
	})
}

func TestBatchService_ProcessPendingBatches(t *testing.T) {
	pendingBatch := func() *model.BatchDeployment {
		return &model.BatchDeployment{
			ID:            "batch-1",
			UserID:        "user-1",
			WingetID:      "Mozilla.Firefox",
			AppName:       "Firefox",
			TargetVersion: "130.0",
			Status:        model.BatchStatusPending,
		}
	}

	t.Run("expands across deployable tenants", func(t *testing.T) {
		repo := &mockBatchRepo{
			listByStatus: map[model.BatchStatus][]*model.BatchDeployment{
				model.BatchStatusPending: {pendingBatch()},
			},
		}
		tenants := &mockTenantRepo{
			deployable: map[string][]*model.Tenant{
				"user-1": {deployableTenant("tenant-1", "user-1"), deployableTenant("tenant-2", "user-1")},
			},
		}
		jobRepo := &mockJobRepo{}
		f := newBatchFixture(t, repo, tenants, jobRepo)

		started, err := f.svc.ProcessPendingBatches(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, started)
		require.Len(t, repo.startTotals, 1)
		assert.Equal(t, 2, repo.startTotals[0])
		assert.Len(t, repo.createdItems, 2)
		assert.Equal(t, 2, jobRepo.createCalls)
		assert.Equal(t, 2, repo.attachCalls)

		// Every job carries its batch item back-reference.
		for _, job := range jobRepo.created {
			require.NotNil(t, job.BatchItemID)
		}
	})

	t.Run("fails batch when no tenant is deployable", func(t *testing.T) {
		repo := &mockBatchRepo{
			listByStatus: map[model.BatchStatus][]*model.BatchDeployment{
				model.BatchStatusPending: {pendingBatch()},
			},
		}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		started, err := f.svc.ProcessPendingBatches(context.Background())

		require.NoError(t, err)
		assert.Zero(t, started)
		assert.Equal(t, 1, repo.failBatchCalls)
		assert.Zero(t, repo.startCalls)
	})

	t.Run("lost expansion race creates nothing", func(t *testing.T) {
		repo := &mockBatchRepo{
			startNoop: true,
			listByStatus: map[model.BatchStatus][]*model.BatchDeployment{
				model.BatchStatusPending: {pendingBatch()},
			},
		}
		tenants := &mockTenantRepo{
			deployable: map[string][]*model.Tenant{
				"user-1": {deployableTenant("tenant-1", "user-1")},
			},
		}
		jobRepo := &mockJobRepo{}
		f := newBatchFixture(t, repo, tenants, jobRepo)

		started, err := f.svc.ProcessPendingBatches(context.Background())

		require.NoError(t, err)
		assert.Zero(t, started)
		assert.Empty(t, repo.createdItems)
		assert.Zero(t, jobRepo.createCalls)
	})

	t.Run("job creation failure fails the item in place", func(t *testing.T) {
		repo := &mockBatchRepo{
			listByStatus: map[model.BatchStatus][]*model.BatchDeployment{
				model.BatchStatusPending: {pendingBatch()},
			},
		}
		tenants := &mockTenantRepo{
			deployable: map[string][]*model.Tenant{
				"user-1": {deployableTenant("tenant-1", "user-1")},
			},
		}
		jobRepo := &mockJobRepo{createErr: errors.New("insert failed")}
		f := newBatchFixture(t, repo, tenants, jobRepo)

		started, err := f.svc.ProcessPendingBatches(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, started)
		assert.Equal(t, 1, repo.failItemCalls)
		assert.Zero(t, repo.attachCalls)
	})
}

func TestBatchService_OnJobCompleted(t *testing.T) {
	t.Run("maps job failure onto the item", func(t *testing.T) {
		repo := &mockBatchRepo{}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		f.svc.OnJobCompleted(context.Background(), model.JobOutcome{
			JobID:   "job-1",
			Status:  model.JobStatusFailed,
			Message: "upload rejected",
		})

		require.Len(t, repo.recordParams, 1)
		assert.Equal(t, model.BatchItemStatusFailed, repo.recordParams[0].Status)
		assert.Equal(t, "upload rejected", repo.recordParams[0].Message)
		assert.Zero(t, repo.completeCalls)
	})

	t.Run("duplicate_skipped counts as completed", func(t *testing.T) {
		repo := &mockBatchRepo{}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		f.svc.OnJobCompleted(context.Background(), model.JobOutcome{
			JobID:  "job-1",
			Status: model.JobStatusDuplicateSkipped,
		})

		require.Len(t, repo.recordParams, 1)
		assert.Equal(t, model.BatchItemStatusCompleted, repo.recordParams[0].Status)
	})

	t.Run("last item completes the batch and publishes the event", func(t *testing.T) {
		repo := &mockBatchRepo{
			recordBatchID: "batch-1",
			batches: map[string]*model.BatchDeployment{
				"batch-1": {
					ID:               "batch-1",
					UserID:           "user-1",
					Status:           model.BatchStatusCompleted,
					TotalTenants:     2,
					CompletedTenants: 1,
					FailedTenants:    1,
				},
			},
		}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		f.svc.OnJobCompleted(context.Background(), model.JobOutcome{
			JobID:  "job-2",
			Status: model.JobStatusDeployed,
		})

		assert.Equal(t, 1, repo.completeCalls)
		require.Len(t, f.events.published, 1)
		assert.Equal(t, "batch-1", f.events.published[0].ID)
	})

	t.Run("replayed outcome for a terminal item is ignored", func(t *testing.T) {
		// RecordItemOutcome returns "" when the item was already terminal.
		repo := &mockBatchRepo{recordBatchID: ""}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		f.svc.OnJobCompleted(context.Background(), model.JobOutcome{
			JobID:  "job-1",
			Status: model.JobStatusDeployed,
		})

		assert.Zero(t, repo.completeCalls)
		assert.Empty(t, f.events.published)
	})
}

func TestBatchService_AdvanceInProgressBatches(t *testing.T) {
	t.Run("fails stuck items that never got a job", func(t *testing.T) {
		repo := &mockBatchRepo{
			stuckItems: []*model.BatchItem{
				{ID: "item-1", BatchID: "batch-1", Status: model.BatchItemStatusPending},
			},
		}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		err := f.svc.AdvanceInProgressBatches(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, repo.failItemCalls)
	})

	t.Run("reconciles stuck items whose job already finished", func(t *testing.T) {
		jobID := "job-9"
		repo := &mockBatchRepo{
			stuckItems: []*model.BatchItem{
				{ID: "item-1", BatchID: "batch-1", JobID: &jobID, Status: model.BatchItemStatusInProgress},
			},
		}
		jobRepo := &mockJobRepo{
			jobs: map[string]*model.PackagingJob{
				jobID: {ID: jobID, Status: model.JobStatusDeployed},
			},
		}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, jobRepo)

		err := f.svc.AdvanceInProgressBatches(context.Background())

		require.NoError(t, err)
		require.Len(t, repo.recordParams, 1)
		assert.Equal(t, jobID, repo.recordParams[0].JobID)
		assert.Equal(t, model.BatchItemStatusCompleted, repo.recordParams[0].Status)
	})

	t.Run("completes batches whose counters cover every tenant", func(t *testing.T) {
		repo := &mockBatchRepo{
			listByStatus: map[model.BatchStatus][]*model.BatchDeployment{
				model.BatchStatusInProgress: {
					{ID: "batch-1", Status: model.BatchStatusInProgress, TotalTenants: 2, CompletedTenants: 2},
					{ID: "batch-2", Status: model.BatchStatusInProgress, TotalTenants: 3, CompletedTenants: 1},
				},
			},
			batches: map[string]*model.BatchDeployment{
				"batch-1": {ID: "batch-1", Status: model.BatchStatusCompleted, TotalTenants: 2, CompletedTenants: 2},
			},
		}
		f := newBatchFixture(t, repo, &mockTenantRepo{}, &mockJobRepo{})

		err := f.svc.AdvanceInProgressBatches(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, repo.completeCalls)
	})
}
