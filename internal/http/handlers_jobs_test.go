package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
	"github.com/winpackhq/winpack/internal/service"
)

// stubJobRepo backs a real JobService for handler tests. Only the paths the
// HTTP handlers reach are given behavior.
type stubJobRepo struct {
	jobs       map[string]*model.PackagingJob
	cancelNoop bool
	stats      *model.JobStats
}

func (s *stubJobRepo) Create(_ context.Context, req *model.CreatePackagingJobRequest) (*model.PackagingJob, error) {
	return &model.PackagingJob{
		ID:            "job-1",
		UserID:        req.UserID,
		TenantID:      req.TenantID,
		WingetID:      req.WingetID,
		TargetVersion: req.TargetVersion,
		Status:        model.JobStatusQueued,
	}, nil
}

func (s *stubJobRepo) GetByID(_ context.Context, id string) (*model.PackagingJob, error) {
	if job, ok := s.jobs[id]; ok {
		return job, nil
	}
	return nil, data.ErrJobNotFound
}

func (s *stubJobRepo) ClaimNext(context.Context, core.ClaimNextParams) (*model.PackagingJob, error) {
	return nil, model.ErrNoJobsAvailable
}

func (s *stubJobRepo) RecoverStale(context.Context, time.Time, time.Duration) (int64, error) {
	return 0, nil
}

func (s *stubJobRepo) Heartbeat(context.Context, string, string) (bool, error) { return true, nil }

func (s *stubJobRepo) UpdateProgress(context.Context, string, model.JobProgressUpdate) (bool, error) {
	return true, nil
}

func (s *stubJobRepo) Finalize(context.Context, model.JobOutcome, time.Time) (bool, error) {
	return true, nil
}

func (s *stubJobRepo) Fail(context.Context, core.FailJobParams) (bool, error) { return true, nil }

func (s *stubJobRepo) Cancel(context.Context, string, time.Time) (bool, error) {
	return !s.cancelNoop, nil
}

func (s *stubJobRepo) Stats(context.Context, string) (*model.JobStats, error) {
	if s.stats != nil {
		return s.stats, nil
	}
	return &model.JobStats{}, nil
}

func (s *stubJobRepo) DeleteTerminalOlderThan(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}

func newJobsRouter(t *testing.T, repo *stubJobRepo) http.Handler {
	t.Helper()
	jobs, err := service.NewJobService(service.JobServiceOptions{Repo: repo})
	require.NoError(t, err)

	mux := http.NewServeMux()
	registerJobRoutes(mux, &JobHandlers{Svc: jobs})
	return mux
}

func TestJobHandlers_CreateJob(t *testing.T) {
	t.Run("enqueues and returns 201", func(t *testing.T) {
		router := newJobsRouter(t, &stubJobRepo{})

		body := `{"user_id":"user-1","tenant_id":"tenant-1","winget_id":"Mozilla.Firefox","target_version":"130.0"}`
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"queued"`)
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		router := newJobsRouter(t, &stubJobRepo{})

		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"user_id":`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobHandlers_GetJob(t *testing.T) {
	t.Run("returns the job", func(t *testing.T) {
		repo := &stubJobRepo{
			jobs: map[string]*model.PackagingJob{
				"job-1": {ID: "job-1", Status: model.JobStatusDeployed},
			},
		}
		router := newJobsRouter(t, repo)

		req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"deployed"`)
	})

	t.Run("returns 404 for an unknown job", func(t *testing.T) {
		router := newJobsRouter(t, &stubJobRepo{})

		req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestJobHandlers_JobStats(t *testing.T) {
	t.Run("returns per-status counts", func(t *testing.T) {
		repo := &stubJobRepo{stats: &model.JobStats{Queued: 3, Deployed: 5}}
		router := newJobsRouter(t, repo)

		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats?user_id=user-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"queued":3`)
	})

	t.Run("requires a user id", func(t *testing.T) {
		router := newJobsRouter(t, &stubJobRepo{})

		req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobHandlers_CancelJob(t *testing.T) {
	t.Run("cancels a running job", func(t *testing.T) {
		router := newJobsRouter(t, &stubJobRepo{})

		req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/cancel", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"cancelled":true`)
	})

	t.Run("returns 409 for a terminal job", func(t *testing.T) {
		router := newJobsRouter(t, &stubJobRepo{cancelNoop: true})

		req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/cancel", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "not_cancellable")
	})
}
