package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harborwatch/harborwatch/internal/models"
)

// ContainerRepository handles database operations for containers
type ContainerRepository struct {
	db *gorm.DB
}

// NewContainerRepository creates a new container repository
func NewContainerRepository(db *gorm.DB) *ContainerRepository {
	return &ContainerRepository{db: db}
}

// GetByID retrieves a container by id
func (r *ContainerRepository) GetByID(ctx context.Context, id uint) (*models.Container, error) {
	var container models.Container
	result := r.db.WithContext(ctx).First(&container, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &container, nil
}

// GetByName retrieves a container by its unique name
func (r *ContainerRepository) GetByName(ctx context.Context, name string) (*models.Container, error) {
	var container models.Container
	result := r.db.WithContext(ctx).Where("name = ?", name).First(&container)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &container, nil
}

// List retrieves all monitored containers
func (r *ContainerRepository) List(ctx context.Context) ([]models.Container, error) {
	var containers []models.Container
	result := r.db.WithContext(ctx).Order("name").Find(&containers)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return containers, nil
}

// Create registers a newly discovered container
func (r *ContainerRepository) Create(ctx context.Context, container *models.Container) error {
	if err := container.Validate(); err != nil {
		return err
	}
	if result := r.db.WithContext(ctx).Create(container); result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// Save persists all mutable fields of the container
func (r *ContainerRepository) Save(ctx context.Context, container *models.Container) error {
	if result := r.db.WithContext(ctx).Save(container); result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// RecordScan stores the informational candidates and ignore clearing
// produced by a scan, and stamps the scan time.
func (r *ContainerRepository) RecordScan(ctx context.Context, id uint, fields map[string]interface{}, at time.Time) error {
	values := map[string]interface{}{"last_scanned_at": at}
	for k, v := range fields {
		values[k] = v
	}
	result := r.db.WithContext(ctx).Model(&models.Container{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// SetCurrent moves the container to a new tag/digest after a successful
// apply.
func (r *ContainerRepository) SetCurrent(ctx context.Context, id uint, tag, digest string) error {
	result := r.db.WithContext(ctx).Model(&models.Container{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_tag":    tag,
			"current_digest": digest,
		})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}
