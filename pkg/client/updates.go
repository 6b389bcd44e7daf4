package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harborwatch/harborwatch/internal/models"
)

// UpdateListOptions filters ListUpdates. Zero values mean no filter.
type UpdateListOptions struct {
	Status      models.UpdateStatus
	ContainerID uint
}

// ListUpdates returns update proposals, optionally filtered.
func (c *Client) ListUpdates(ctx context.Context, opts UpdateListOptions) ([]models.Update, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}
	if opts.ContainerID != 0 {
		query.Set("container_id", strconv.FormatUint(uint64(opts.ContainerID), 10))
	}
	var result struct {
		Updates []models.Update `json:"updates"`
	}
	err := c.do(ctx, http.MethodGet, APIBasePath+APIPathUpdates, query, nil, &result)
	if err != nil {
		return nil, err
	}
	return result.Updates, nil
}

// ApproveUpdate approves a pending update. version must be the update's
// version as last read; a stale version yields ErrConflict.
func (c *Client) ApproveUpdate(ctx context.Context, id uint, actor string, version int64) (*models.Update, error) {
	body := map[string]interface{}{"actor": actor, "version": version}
	return c.resolveUpdate(ctx, id, "approve", body)
}

// RejectUpdate rejects a pending update with an optional reason.
func (c *Client) RejectUpdate(ctx context.Context, id uint, actor, reason string, version int64) (*models.Update, error) {
	body := map[string]interface{}{"actor": actor, "reason": reason, "version": version}
	return c.resolveUpdate(ctx, id, "reject", body)
}

// SnoozeUpdate postpones a pending update until the given time.
func (c *Client) SnoozeUpdate(ctx context.Context, id uint, until time.Time, version int64) (*models.Update, error) {
	body := map[string]interface{}{"until": until, "version": version}
	return c.resolveUpdate(ctx, id, "snooze", body)
}

func (c *Client) resolveUpdate(ctx context.Context, id uint, action string, body interface{}) (*models.Update, error) {
	var result struct {
		Update *models.Update `json:"update"`
	}
	path := fmt.Sprintf("%s%s/%d/%s", APIBasePath, APIPathUpdates, id, action)
	if err := c.do(ctx, http.MethodPost, path, nil, body, &result); err != nil {
		return nil, err
	}
	return result.Update, nil
}

// ListHistory returns apply history records, newest first.
func (c *Client) ListHistory(ctx context.Context, containerID uint, limit int) ([]models.UpdateHistory, error) {
	query := url.Values{}
	if containerID != 0 {
		query.Set("container_id", strconv.FormatUint(uint64(containerID), 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var result struct {
		History []models.UpdateHistory `json:"history"`
	}
	err := c.do(ctx, http.MethodGet, APIBasePath+APIPathHistory, query, nil, &result)
	if err != nil {
		return nil, err
	}
	return result.History, nil
}

// Rollback restores the compose snapshot of a successful apply.
func (c *Client) Rollback(ctx context.Context, historyID uint) (*models.UpdateHistory, error) {
	var result struct {
		History *models.UpdateHistory `json:"history"`
	}
	path := fmt.Sprintf("%s%s/%d/rollback", APIBasePath, APIPathHistory, historyID)
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return result.History, nil
}
