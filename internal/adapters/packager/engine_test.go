package packager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/internal/domain/model"
)

func testJob() *model.PackagingJob {
	return &model.PackagingJob{
		ID:            "job-1",
		UserID:        "user-1",
		TenantID:      "tenant-1",
		WingetID:      "Mozilla.Firefox",
		AppName:       "Firefox",
		TargetVersion: "130.0",
	}
}

func testInstaller() *model.InstallerMetadata {
	return &model.InstallerMetadata{
		WingetID:      "Mozilla.Firefox",
		Version:       "130.0",
		InstallerURL:  "https://dl.example.com/firefox.msi",
		InstallerType: "msi",
	}
}

func TestNewEngineClient(t *testing.T) {
	t.Run("requires a base URL", func(t *testing.T) {
		_, err := NewEngineClient(EngineClientOptions{})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "base URL is required")
	})
}

func TestEngineClient_Package(t *testing.T) {
	t.Run("posts the installer and returns the package ref", func(t *testing.T) {
		var gotPath string
		var gotReq packageRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_ = json.NewEncoder(w).Encode(packageResponse{PackageRef: "pkg-abc"})
		}))
		defer server.Close()

		client, err := NewEngineClient(EngineClientOptions{BaseURL: server.URL})
		require.NoError(t, err)

		ref, err := client.Package(context.Background(), testJob(), testInstaller())

		require.NoError(t, err)
		assert.Equal(t, "pkg-abc", ref)
		assert.Equal(t, "/v1/package", gotPath)
		assert.Equal(t, "job-1", gotReq.JobID)
		assert.Equal(t, "https://dl.example.com/firefox.msi", gotReq.InstallerURL)
	})

	t.Run("rejects an empty package ref", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(packageResponse{})
		}))
		defer server.Close()

		client, err := NewEngineClient(EngineClientOptions{BaseURL: server.URL})
		require.NoError(t, err)

		_, err = client.Package(context.Background(), testJob(), testInstaller())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty package ref")
	})

	t.Run("surfaces the engine's error message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(engineError{Message: "unsupported installer type"})
		}))
		defer server.Close()

		client, err := NewEngineClient(EngineClientOptions{BaseURL: server.URL})
		require.NoError(t, err)

		_, err = client.Package(context.Background(), testJob(), testInstaller())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported installer type")

		var callErr *callError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, model.FailureCategoryValidation, callErr.Category())
	})
}

func TestCallError_Category(t *testing.T) {
	cases := []struct {
		name     string
		err      *callError
		expected model.FailureCategory
	}{
		{
			"engine-reported category wins",
			&callError{status: http.StatusInternalServerError, category: "intune_api", err: errors.New("x")},
			model.FailureCategoryIntuneAPI,
		},
		{
			"unknown reported category falls back to the heuristic",
			&callError{status: http.StatusUnauthorized, category: "bogus", err: errors.New("x")},
			model.FailureCategoryPermission,
		},
		{
			"transport errors are network",
			&callError{transport: true, err: errors.New("connection refused")},
			model.FailureCategoryNetwork,
		},
		{
			"401 is permission",
			&callError{status: http.StatusUnauthorized, err: errors.New("x")},
			model.FailureCategoryPermission,
		},
		{
			"403 is permission",
			&callError{status: http.StatusForbidden, err: errors.New("x")},
			model.FailureCategoryPermission,
		},
		{
			"400 is validation",
			&callError{status: http.StatusBadRequest, err: errors.New("x")},
			model.FailureCategoryValidation,
		},
		{
			"503 is network",
			&callError{status: http.StatusServiceUnavailable, err: errors.New("x")},
			model.FailureCategoryNetwork,
		},
		{
			"500 is system",
			&callError{status: http.StatusInternalServerError, err: errors.New("x")},
			model.FailureCategorySystem,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.err.Category())
		})
	}
}
