package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// UpdateStatus is the lifecycle state of an update proposal.
type UpdateStatus string

const (
	UpdateStatusPending  UpdateStatus = "pending"
	UpdateStatusApproved UpdateStatus = "approved"
	UpdateStatusRejected UpdateStatus = "rejected"
	UpdateStatusApplied  UpdateStatus = "applied"
	UpdateStatusFailed   UpdateStatus = "failed"
)

var AllUpdateStatuses = []UpdateStatus{
	UpdateStatusPending, UpdateStatusApproved, UpdateStatusRejected,
	UpdateStatusApplied, UpdateStatusFailed,
}

func IsValidUpdateStatus(s UpdateStatus) bool {
	for _, v := range AllUpdateStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Resolved reports whether the status is terminal for reconciliation
// purposes: a container has at most one unresolved update at a time.
func (s UpdateStatus) Resolved() bool {
	return s != UpdateStatusPending && s != UpdateStatusApproved
}

// UpdateKind distinguishes tag bumps from content refreshes of the same tag.
type UpdateKind string

const (
	UpdateKindTag    UpdateKind = "tag"
	UpdateKindDigest UpdateKind = "digest"
)

// UpdateReason classifies why an update is proposed.
type UpdateReason string

const (
	ReasonSecurity    UpdateReason = "security"
	ReasonFeature     UpdateReason = "feature"
	ReasonBugfix      UpdateReason = "bugfix"
	ReasonMaintenance UpdateReason = "maintenance"
	ReasonUnknown     UpdateReason = "unknown"
)

// Update is one detected, pending-or-resolved change proposal for a
// container. The Version column is the optimistic-lock counter: every
// mutating transition must carry the version it read and increments it.
type Update struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	ContainerID uint      `json:"container_id" gorm:"index" validate:"required"`
	Container   Container `json:"-" gorm:"foreignKey:ContainerID"`

	FromTag  string `json:"from_tag" gorm:"size:128"`
	ToTag    string `json:"to_tag" gorm:"size:128"`
	Registry string `json:"registry" gorm:"size:255"`

	UpdateKind UpdateKind   `json:"update_kind" gorm:"size:16"`
	ChangeType *ChangeType  `json:"change_type" gorm:"size:16"`
	Reason     UpdateReason `json:"reason" gorm:"size:16"`

	// FixedCVEs starts as the full CVE list of the image being replaced.
	// After the update is applied and the new image has a completed scan,
	// it is narrowed to the CVEs confirmed gone, and NewCVEs records the
	// ones the new image introduced.
	FixedCVEs StringArray `json:"fixed_cves" gorm:"type:text"`
	NewCVEs   StringArray `json:"new_cves" gorm:"type:text"`

	Status UpdateStatus `json:"status" gorm:"index;size:16" validate:"updateStatus"`

	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	NextRetryAt       *time.Time `json:"next_retry_at"`
	BackoffMultiplier int        `json:"backoff_multiplier"`
	LastError         string     `json:"last_error" gorm:"type:text"`

	ApprovedBy   string     `json:"approved_by" gorm:"size:255"`
	ApprovedAt   *time.Time `json:"approved_at"`
	RejectedBy   string     `json:"rejected_by" gorm:"size:255"`
	RejectedAt   *time.Time `json:"rejected_at"`
	RejectReason string     `json:"reject_reason" gorm:"size:1024"`
	SnoozedUntil *time.Time `json:"snoozed_until"`

	ScopeViolation bool          `json:"scope_violation"`
	DecisionTrace  DecisionTrace `json:"decision_trace" gorm:"type:text"`

	// Version is bumped by one on every successful mutating transition.
	Version int64 `json:"version" gorm:"not null;default:1"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Validate checks if the update is valid
func (u *Update) Validate() error {
	return validate.Struct(u)
}

// Snoozed reports whether the update is snoozed at the given instant.
func (u *Update) Snoozed(now time.Time) bool {
	return u.SnoozedUntil != nil && now.Before(*u.SnoozedUntil)
}

// RetriesExhausted reports whether the retry budget has been spent.
// With max_retries=3 the fourth consecutive transient failure is terminal.
func (u *Update) RetriesExhausted() bool {
	return u.RetryCount > u.MaxRetries
}

// ValidateUpdateStatus validates an update status field
func ValidateUpdateStatus(fl validator.FieldLevel) bool {
	return IsValidUpdateStatus(UpdateStatus(fl.Field().String()))
}

// HistoryStatus is the outcome recorded for an attempted apply.
type HistoryStatus string

const (
	HistorySuccess    HistoryStatus = "success"
	HistoryFailed     HistoryStatus = "failed"
	HistoryRolledBack HistoryStatus = "rolled_back"
)

// UpdateHistory is the audit record of one attempted apply. Rows are
// immutable except for the rollback marker.
type UpdateHistory struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	HistoryUID  string `json:"history_uid" gorm:"uniqueIndex;size:36"`
	ContainerID uint   `json:"container_id" gorm:"index"`
	UpdateID    uint   `json:"update_id" gorm:"index"`

	FromTag string        `json:"from_tag" gorm:"size:128"`
	ToTag   string        `json:"to_tag" gorm:"size:128"`
	Status  HistoryStatus `json:"status" gorm:"index;size:16"`

	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error" gorm:"type:text"`

	BackupPath       string `json:"backup_path" gorm:"size:1024"`
	DataBackupID     string `json:"data_backup_id" gorm:"size:64"`
	DataBackupStatus string `json:"data_backup_status" gorm:"size:32"`
	CanRollback      bool   `json:"can_rollback"`

	CreatedAt time.Time `json:"created_at"`
}
