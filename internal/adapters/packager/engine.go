package packager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/winpackhq/winpack/internal/domain/model"
)

const maxErrorBodyBytes = 8 * 1024

// EngineClient calls the external packaging engine that performs the actual
// installer conversion, validation, and Intune upload.
type EngineClient struct {
	baseURL string
	client  *http.Client
}

// EngineClientOptions groups dependencies for EngineClient.
type EngineClientOptions struct {
	BaseURL    string        // Required: packaging engine base URL
	Timeout    time.Duration // Optional: per-request timeout, defaults to 5m
	HTTPClient *http.Client  // Optional: overrides the default client
}

// NewEngineClient constructs a new EngineClient.
func NewEngineClient(opts EngineClientOptions) (*EngineClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("packaging engine base URL is required")
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}

	return &EngineClient{baseURL: opts.BaseURL, client: client}, nil
}

type packageRequest struct {
	JobID         string `json:"job_id"`
	WingetID      string `json:"winget_id"`
	Version       string `json:"version"`
	InstallerURL  string `json:"installer_url"`
	InstallerType string `json:"installer_type"`
	Sha256        string `json:"sha256,omitempty"`
}

type packageResponse struct {
	PackageRef string `json:"package_ref"`
}

type uploadRequest struct {
	JobID      string `json:"job_id"`
	PackageRef string `json:"package_ref"`
	TenantID   string `json:"tenant_id"`
}

type uploadResponse struct {
	IntuneAppID string `json:"intune_app_id"`
}

type engineError struct {
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// Package converts the installer into an Intune-deployable package and
// returns an engine-side reference to it.
func (c *EngineClient) Package(ctx context.Context, job *model.PackagingJob, installer *model.InstallerMetadata) (string, error) {
	var resp packageResponse
	err := c.post(ctx, "/v1/package", packageRequest{
		JobID:         job.ID,
		WingetID:      job.WingetID,
		Version:       job.TargetVersion,
		InstallerURL:  installer.InstallerURL,
		InstallerType: installer.InstallerType,
		Sha256:        installer.Sha256,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.PackageRef == "" {
		return "", errors.New("engine returned an empty package ref")
	}
	return resp.PackageRef, nil
}

// Test validates the built package in the engine's sandbox.
func (c *EngineClient) Test(ctx context.Context, jobID, packageRef string) error {
	return c.post(ctx, "/v1/test", map[string]string{
		"job_id":      jobID,
		"package_ref": packageRef,
	}, nil)
}

// Upload pushes the package to the tenant's Intune instance and returns the
// resulting Intune app id.
func (c *EngineClient) Upload(ctx context.Context, job *model.PackagingJob, packageRef string) (string, error) {
	var resp uploadResponse
	err := c.post(ctx, "/v1/upload", uploadRequest{
		JobID:      job.ID,
		PackageRef: packageRef,
		TenantID:   job.TenantID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.IntuneAppID, nil
}

// Assign finalizes the deployment by assigning the uploaded app.
func (c *EngineClient) Assign(ctx context.Context, job *model.PackagingJob, intuneAppID string) error {
	return c.post(ctx, "/v1/assign", map[string]string{
		"job_id":        job.ID,
		"tenant_id":     job.TenantID,
		"intune_app_id": intuneAppID,
	}, nil)
}

func (c *EngineClient) post(ctx context.Context, path string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &callError{transport: true, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.readError(resp)
	}

	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *EngineClient) readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var engErr engineError
	if err := json.Unmarshal(raw, &engErr); err != nil || engErr.Message == "" {
		engErr.Message = fmt.Sprintf("engine returned status %d", resp.StatusCode)
	}
	return &callError{status: resp.StatusCode, category: engErr.Category, err: errors.New(engErr.Message)}
}

// callError captures enough of a failed engine call to classify it.
type callError struct {
	transport bool
	status    int
	category  string
	err       error
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// Category maps a failed engine call onto a failure category. A category
// reported by the engine itself wins over the status-code heuristic.
func (e *callError) Category() model.FailureCategory {
	switch model.FailureCategory(e.category) {
	case model.FailureCategoryNetwork, model.FailureCategoryValidation,
		model.FailureCategoryPermission, model.FailureCategoryInstaller,
		model.FailureCategoryIntuneAPI, model.FailureCategorySystem:
		return model.FailureCategory(e.category)
	}

	switch {
	case e.transport:
		return model.FailureCategoryNetwork
	case e.status == http.StatusUnauthorized || e.status == http.StatusForbidden:
		return model.FailureCategoryPermission
	case e.status == http.StatusBadRequest || e.status == http.StatusUnprocessableEntity:
		return model.FailureCategoryValidation
	case e.status == http.StatusBadGateway || e.status == http.StatusServiceUnavailable ||
		e.status == http.StatusGatewayTimeout:
		return model.FailureCategoryNetwork
	default:
		return model.FailureCategorySystem
	}
}
