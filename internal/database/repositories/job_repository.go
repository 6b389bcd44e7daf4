package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harborwatch/harborwatch/internal/models"
)

// JobRepository handles database operations for background jobs
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// GetByID retrieves a job by id
func (r *JobRepository) GetByID(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).First(&job, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &job, nil
}

// List retrieves jobs, newest first, optionally filtered by kind
func (r *JobRepository) List(ctx context.Context, kind models.JobKind, limit int) ([]models.Job, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []models.Job
	if result := query.Find(&jobs); result.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return jobs, nil
}

// FindActive returns the queued or running job of the given kind, if one
// exists.
func (r *JobRepository) FindActive(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).
		Where("kind = ? AND status IN ?", kind,
			[]models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
		First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return &job, nil
}

// Create inserts a new job row with version 1. The partial unique index
// on (kind, active status) makes the insert itself the singleton guard:
// a second active row of the same kind is rejected by the database.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	job.Version = 1
	if result := r.db.WithContext(ctx).Create(job); result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// TransitionStatus moves a job between states with a compare-and-set on
// the version column, so two writers of the same row (a finishing worker
// and a cancelling handler, say) cannot both win the transition.
func (r *JobRepository) TransitionStatus(ctx context.Context, job *models.Job, to models.JobStatus, fields map[string]interface{}) error {
	expected := job.Version
	values := map[string]interface{}{
		"status":  to,
		"version": expected + 1,
	}
	for k, v := range fields {
		values[k] = v
	}
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND version = ?", job.ID, expected).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	job.Status = to
	job.Version = expected + 1
	return nil
}

// UpdateProgress persists monotonic counter increments for a running job.
// Progress writes are not version-guarded: the running job's goroutine is
// the only writer of its counters, and cancel_requested is read back on
// the same round trip.
func (r *JobRepository) UpdateProgress(ctx context.Context, job *models.Job) (cancelRequested bool, err error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"total_count":     job.TotalCount,
			"processed_count": job.ProcessedCount,
			"found_count":     job.FoundCount,
			"errors_count":    job.ErrorsCount,
		})
	if result.Error != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	var fresh models.Job
	if err := r.db.WithContext(ctx).Select("cancel_requested").First(&fresh, job.ID).Error; err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseOperation, err)
	}
	return fresh.CancelRequested, nil
}

// UpdatePollState persists the bounded-retry polling bookkeeping of a
// pending-scan job before each poll, so a restart resumes rather than
// restarts the polling budget.
func (r *JobRepository) UpdatePollState(ctx context.Context, job *models.Job) error {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"poll_count":              job.PollCount,
			"trigger_attempt_count":   job.TriggerAttemptCount,
			"last_trigger_attempt_at": job.LastTriggerAttemptAt,
		})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag. The runner observes
// it at the next checkpoint.
func (r *JobRepository) RequestCancel(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status IN ?", id,
			[]models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
		Update("cancel_requested", true)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailOrphans marks jobs left running by a previous process as failed.
// Called once at startup, before any new job can start.
func (r *JobRepository) FailOrphans(ctx context.Context, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status IN ?", []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"error_message": "orphaned by process restart",
			"completed_at":  at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return result.RowsAffected, nil
}
