package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// JobKind identifies the kind of background job. Only one job of a given
// kind may be queued or running at a time.
type JobKind string

const (
	JobKindCheck          JobKind = "check"
	JobKindDependencyScan JobKind = "dependency_scan"
	JobKindPendingScan    JobKind = "pending_scan"
)

// JobStatus is the state of a background job. Terminal states are final
// and retained for history.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

var AllJobStatuses = []JobStatus{
	JobStatusQueued, JobStatusRunning, JobStatusCompleted,
	JobStatusFailed, JobStatusCancelled,
}

func IsValidJobStatus(s JobStatus) bool {
	for _, v := range AllJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Active reports whether the status counts against the one-job-per-kind
// singleton rule.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a persisted background-job record. Check and dependency-scan jobs
// use the counters; pending-scan jobs additionally use the bounded polling
// fields against an eventually-consistent external scanner.
type Job struct {
	ID     uint    `json:"id" gorm:"primaryKey"`
	JobUID string  `json:"job_uid" gorm:"uniqueIndex;size:36"`
	// The partial unique index is the singleton guard: at most one queued
	// or running row may exist per kind, enforced by the database itself
	// so racing schedulers cannot both insert one.
	Kind JobKind `json:"kind" gorm:"index;index:idx_jobs_active_kind,unique,where:status = 'queued' OR status = 'running';size:32" validate:"required"`

	Status JobStatus `json:"status" gorm:"index;size:16" validate:"jobStatus"`

	TotalCount     int `json:"total_count"`
	ProcessedCount int `json:"processed_count"`
	FoundCount     int `json:"found_count"`
	ErrorsCount    int `json:"errors_count"`

	CancelRequested bool   `json:"cancel_requested"`
	TriggeredBy     string `json:"triggered_by" gorm:"size:255"`
	ErrorMessage    string `json:"error_message" gorm:"type:text"`

	// Bounded-retry polling state for pending-scan jobs.
	TargetContainerID    *uint      `json:"target_container_id" gorm:"index"`
	PollCount            int        `json:"poll_count"`
	MaxPolls             int        `json:"max_polls"`
	TriggerAttemptCount  int        `json:"trigger_attempt_count"`
	LastTriggerAttemptAt *time.Time `json:"last_trigger_attempt_at"`

	// Version guards status transitions of this row: a finished worker and
	// a cancelling API handler cannot both win the same transition.
	Version int64 `json:"version" gorm:"not null;default:1"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks if the job is valid
func (j *Job) Validate() error {
	return validate.Struct(j)
}

// ProgressPercent returns processed/total as a percentage, 0 when total is
// unknown.
func (j *Job) ProgressPercent() int {
	if j.TotalCount <= 0 {
		return 0
	}
	pct := j.ProcessedCount * 100 / j.TotalCount
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ValidateJobStatus validates a job status field
func ValidateJobStatus(fl validator.FieldLevel) bool {
	return IsValidJobStatus(JobStatus(fl.Field().String()))
}
