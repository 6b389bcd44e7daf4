package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/harborwatch/harborwatch/internal/models"
)

// DependencyRepository handles database operations for the tracked
// sub-components of a container (base images, packages, embedded servers).
type DependencyRepository struct {
	db *gorm.DB
}

// NewDependencyRepository creates a new dependency repository
func NewDependencyRepository(db *gorm.DB) *DependencyRepository {
	return &DependencyRepository{db: db}
}

// ListDockerfile returns the base-image dependencies of a container
func (r *DependencyRepository) ListDockerfile(ctx context.Context, containerID uint) ([]models.DockerfileDependency, error) {
	var deps []models.DockerfileDependency
	if result := r.db.WithContext(ctx).Where("container_id = ?", containerID).Find(&deps); result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return deps, nil
}

// ListApp returns the package dependencies of a container
func (r *DependencyRepository) ListApp(ctx context.Context, containerID uint) ([]models.AppDependency, error) {
	var deps []models.AppDependency
	if result := r.db.WithContext(ctx).Where("container_id = ?", containerID).Find(&deps); result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return deps, nil
}

// ListHttpServers returns the embedded servers detected in a container
func (r *DependencyRepository) ListHttpServers(ctx context.Context, containerID uint) ([]models.HttpServer, error) {
	var servers []models.HttpServer
	if result := r.db.WithContext(ctx).Where("container_id = ?", containerID).Find(&servers); result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return servers, nil
}

// CountAll returns the total number of dependency records across kinds,
// used to size dependency-scan job progress.
func (r *DependencyRepository) CountAll(ctx context.Context) (int64, error) {
	var total, n int64
	for _, model := range []interface{}{
		&models.DockerfileDependency{}, &models.AppDependency{}, &models.HttpServer{},
	} {
		if err := r.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDatabaseOperation, err)
		}
		total += n
	}
	return total, nil
}

// SaveStateWithVersion writes back a dependency's mutable state guarded by
// its optimistic-lock counter. The model argument selects the table.
func (r *DependencyRepository) SaveStateWithVersion(ctx context.Context, model interface{}, state *models.DependencyState) error {
	expected := state.Version
	result := r.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND version = ?", state.ID, expected).
		Updates(map[string]interface{}{
			"current_version": state.CurrentVersion,
			"latest_version":  state.LatestVersion,
			"severity":        state.Severity,
			"ignored_version": state.IgnoredVersion,
			"ignored_prefix":  state.IgnoredPrefix,
			"last_checked_at": state.LastCheckedAt,
			"version":         expected + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	state.Version = expected + 1
	return nil
}
