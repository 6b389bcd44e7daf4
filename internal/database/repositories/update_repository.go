package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/harborwatch/harborwatch/internal/models"
)

// UpdateRepository handles database operations for update proposals
type UpdateRepository struct {
	db *gorm.DB
}

// NewUpdateRepository creates a new update repository
func NewUpdateRepository(db *gorm.DB) *UpdateRepository {
	return &UpdateRepository{db: db}
}

// GetByID retrieves an update by id
func (r *UpdateRepository) GetByID(ctx context.Context, id uint) (*models.Update, error) {
	var update models.Update
	result := r.db.WithContext(ctx).First(&update, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &update, nil
}

// List retrieves updates, optionally filtered by status and container
func (r *UpdateRepository) List(ctx context.Context, status models.UpdateStatus, containerID uint) ([]models.Update, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if containerID != 0 {
		query = query.Where("container_id = ?", containerID)
	}
	var updates []models.Update
	if result := query.Find(&updates); result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return updates, nil
}

// GetUnresolved returns the single unresolved update for a container, if
// any. A container has at most one pending-or-approved update at a time;
// new scans reconcile it rather than duplicate it.
func (r *UpdateRepository) GetUnresolved(ctx context.Context, containerID uint) (*models.Update, error) {
	var update models.Update
	result := r.db.WithContext(ctx).
		Where("container_id = ? AND status IN ?", containerID,
			[]models.UpdateStatus{models.UpdateStatusPending, models.UpdateStatusApproved}).
		Order("created_at DESC").
		First(&update)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &update, nil
}

// LatestApplied returns the most recently applied update for a container.
// The post-apply scan uses it to settle the CVE delta of the new image.
func (r *UpdateRepository) LatestApplied(ctx context.Context, containerID uint) (*models.Update, error) {
	var update models.Update
	result := r.db.WithContext(ctx).
		Where("container_id = ? AND status = ?", containerID, models.UpdateStatusApplied).
		Order("updated_at DESC").
		First(&update)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &update, nil
}

// ListEligible returns updates a sweep may act on: approved updates plus
// auto-policy pending ones that are not blocked by a recorded trace rule.
func (r *UpdateRepository) ListEligible(ctx context.Context) ([]models.Update, error) {
	var updates []models.Update
	result := r.db.WithContext(ctx).
		Joins("JOIN containers ON containers.id = updates.container_id").
		Where("updates.status = ?", models.UpdateStatusApproved).
		Or("updates.status = ? AND containers.policy = ? AND updates.scope_violation = ?",
			models.UpdateStatusPending, models.PolicyAuto, false).
		Preload("Container").
		Find(&updates)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return updates, nil
}

// Create inserts a new update proposal with version 1
func (r *UpdateRepository) Create(ctx context.Context, update *models.Update) error {
	update.Version = 1
	if result := r.db.WithContext(ctx).Create(update); result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// SaveWithVersion writes back every mutable field of the update, but only
// if the row still carries expectedVersion. On success the stored and
// in-memory version are bumped by one; otherwise ErrVersionConflict is
// returned and the row is untouched.
func (r *UpdateRepository) SaveWithVersion(ctx context.Context, update *models.Update, expectedVersion int64) error {
	update.Version = expectedVersion + 1
	result := r.db.WithContext(ctx).
		Model(&models.Update{}).
		Where("id = ? AND version = ?", update.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at", clause.Associations).
		Updates(update)
	if result.Error != nil {
		update.Version = expectedVersion
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		update.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}
