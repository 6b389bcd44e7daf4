package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/harborwatch/harborwatch/internal/models"
)

// HistoryRepository handles database operations for apply-history records
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// GetByID retrieves a history record by id
func (r *HistoryRepository) GetByID(ctx context.Context, id uint) (*models.UpdateHistory, error) {
	var history models.UpdateHistory
	result := r.db.WithContext(ctx).First(&history, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &history, nil
}

// List retrieves history records newest first, optionally for a single
// container
func (r *HistoryRepository) List(ctx context.Context, containerID uint, limit int) ([]models.UpdateHistory, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if containerID != 0 {
		query = query.Where("container_id = ?", containerID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []models.UpdateHistory
	if result := query.Find(&records); result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return records, nil
}

// Create appends an immutable apply record
func (r *HistoryRepository) Create(ctx context.Context, history *models.UpdateHistory) error {
	if result := r.db.WithContext(ctx).Create(history); result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// MarkRolledBack flips the only mutable field of a history record.
func (r *HistoryRepository) MarkRolledBack(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.UpdateHistory{}).
		Where("id = ? AND status = ? AND can_rollback = ?", id, models.HistorySuccess, true).
		Updates(map[string]interface{}{
			"status":       models.HistoryRolledBack,
			"can_rollback": false,
		})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
