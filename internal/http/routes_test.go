package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/internal/service"
)

func newRouterForTest(t *testing.T, cronSecret string) http.Handler {
	t.Helper()
	jobs, err := service.NewJobService(service.JobServiceOptions{Repo: &stubJobRepo{}})
	require.NoError(t, err)

	return NewRouter(RouterServices{
		Jobs:       jobs,
		CronSecret: cronSecret,
	})
}

func TestNewRouter(t *testing.T) {
	t.Run("serves the health endpoint", func(t *testing.T) {
		router := newRouterForTest(t, "")

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("HEAD health returns no body", func(t *testing.T) {
		router := newRouterForTest(t, "")

		req := httptest.NewRequest(http.MethodHead, "/healthz", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("cron endpoints are absent without a secret", func(t *testing.T) {
		router := newRouterForTest(t, "")

		req := httptest.NewRequest(http.MethodPost, "/api/cron/update-check", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cron endpoints reject unauthenticated requests", func(t *testing.T) {
		router := newRouterForTest(t, "cron-secret")

		req := httptest.NewRequest(http.MethodPost, "/api/cron/update-check", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
