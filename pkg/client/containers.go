package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harborwatch/harborwatch/internal/models"
)

// ContainerUpdateRequest carries the operator-editable policy fields.
// Nil fields are left unchanged on the server.
type ContainerUpdateRequest struct {
	Policy            *models.UpdatePolicy `json:"policy,omitempty"`
	Scope             *models.ChangeScope  `json:"scope,omitempty"`
	VersionTrack      *string              `json:"version_track,omitempty"`
	IncludePrerelease *bool                `json:"include_prerelease,omitempty"`
	MaintenanceWindow *string              `json:"maintenance_window,omitempty"`
	IgnoredVersion    *string              `json:"ignored_version,omitempty"`
	IgnoredPrefix     *string              `json:"ignored_prefix,omitempty"`
	DependsOn         *[]string            `json:"depends_on,omitempty"`
}

// DecisionTraceResult is the trace of a container's most recent update.
type DecisionTraceResult struct {
	UpdateID uint                 `json:"update_id"`
	Status   models.UpdateStatus  `json:"status"`
	Trace    models.DecisionTrace `json:"trace"`
}

// ListContainers returns every tracked container.
func (c *Client) ListContainers(ctx context.Context) ([]models.Container, error) {
	var result struct {
		Containers []models.Container `json:"containers"`
	}
	err := c.do(ctx, http.MethodGet, APIBasePath+APIPathContainers, nil, nil, &result)
	if err != nil {
		return nil, err
	}
	return result.Containers, nil
}

// GetContainer returns a single tracked container.
func (c *Client) GetContainer(ctx context.Context, id uint) (*models.Container, error) {
	var result struct {
		Container *models.Container `json:"container"`
	}
	path := fmt.Sprintf("%s%s/%d", APIBasePath, APIPathContainers, id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Container, nil
}

// UpdateContainer changes a container's update policy settings.
func (c *Client) UpdateContainer(ctx context.Context, id uint, req ContainerUpdateRequest) (*models.Container, error) {
	var result struct {
		Container *models.Container `json:"container"`
	}
	path := fmt.Sprintf("%s%s/%d", APIBasePath, APIPathContainers, id)
	if err := c.do(ctx, http.MethodPut, path, nil, req, &result); err != nil {
		return nil, err
	}
	return result.Container, nil
}

// GetDecisionTrace returns the decision trace of the container's most
// recent update proposal.
func (c *Client) GetDecisionTrace(ctx context.Context, id uint) (*DecisionTraceResult, error) {
	var result DecisionTraceResult
	path := fmt.Sprintf("%s%s/%d/trace", APIBasePath, APIPathContainers, id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
