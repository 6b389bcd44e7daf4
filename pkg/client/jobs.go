package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/harborwatch/harborwatch/internal/models"
)

// JobResult is a started or looked-up job. AlreadyRunning is set when the
// server returned the active job of the same kind instead of a new one.
type JobResult struct {
	Job            *models.Job `json:"job"`
	AlreadyRunning bool        `json:"already_running"`
	Progress       int         `json:"progress"`
}

// StartCheck starts a fleet check job. A non-nil containerID restricts the
// check to that container.
func (c *Client) StartCheck(ctx context.Context, containerID *uint) (*JobResult, error) {
	var body interface{}
	if containerID != nil {
		body = map[string]interface{}{"container_id": *containerID}
	}
	var result JobResult
	path := APIBasePath + APIPathJobs + "/check"
	if err := c.do(ctx, http.MethodPost, path, nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartDependencyScan starts an in-container dependency scan job.
func (c *Client) StartDependencyScan(ctx context.Context) (*JobResult, error) {
	var result JobResult
	path := APIBasePath + APIPathJobs + "/scan"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs returns recent jobs, optionally filtered by kind.
func (c *Client) ListJobs(ctx context.Context, kind models.JobKind, limit int) ([]models.Job, error) {
	query := url.Values{}
	if kind != "" {
		query.Set("kind", string(kind))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var result struct {
		Jobs []models.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, APIBasePath+APIPathJobs, query, nil, &result)
	if err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// GetJob returns a job with its progress percentage.
func (c *Client) GetJob(ctx context.Context, id uint) (*JobResult, error) {
	var result JobResult
	path := fmt.Sprintf("%s%s/%d", APIBasePath, APIPathJobs, id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob requests cooperative cancellation of a running job.
func (c *Client) CancelJob(ctx context.Context, id uint) error {
	path := fmt.Sprintf("%s%s/%d/cancel", APIBasePath, APIPathJobs, id)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}
