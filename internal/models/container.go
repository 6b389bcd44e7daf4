package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var validate = validator.New()

// UpdatePolicy controls how detected updates for a container are handled.
type UpdatePolicy string

const (
	PolicyAuto     UpdatePolicy = "auto"
	PolicyMonitor  UpdatePolicy = "monitor"
	PolicyDisabled UpdatePolicy = "disabled"
)

var AllUpdatePolicies = []UpdatePolicy{PolicyAuto, PolicyMonitor, PolicyDisabled}

func IsValidUpdatePolicy(p UpdatePolicy) bool {
	for _, v := range AllUpdatePolicies {
		if v == p {
			return true
		}
	}
	return false
}

// ChangeScope is the maximum change magnitude a container permits.
type ChangeScope string

const (
	ScopePatch ChangeScope = "patch"
	ScopeMinor ChangeScope = "minor"
	ScopeMajor ChangeScope = "major"
)

var AllChangeScopes = []ChangeScope{ScopePatch, ScopeMinor, ScopeMajor}

func IsValidChangeScope(s ChangeScope) bool {
	for _, v := range AllChangeScopes {
		if v == s {
			return true
		}
	}
	return false
}

// ChangeType is the magnitude of a version change, the highest-order
// component that differs between two versions.
type ChangeType string

const (
	ChangeMajor ChangeType = "major"
	ChangeMinor ChangeType = "minor"
	ChangePatch ChangeType = "patch"
	ChangeNone  ChangeType = "none"
)

// rank orders change magnitudes so they can be compared against a scope.
func (c ChangeType) rank() int {
	switch c {
	case ChangeMajor:
		return 3
	case ChangeMinor:
		return 2
	case ChangePatch:
		return 1
	default:
		return 0
	}
}

// Exceeds reports whether the change magnitude is larger than the scope
// allows. ChangeNone never exceeds any scope.
func (c ChangeType) Exceeds(scope ChangeScope) bool {
	var max int
	switch scope {
	case ScopeMajor:
		max = 3
	case ScopeMinor:
		max = 2
	case ScopePatch:
		max = 1
	}
	return c.rank() > max
}

// Container is the aggregate root: one monitored deployable unit. Updates,
// history rows and dependency records reference it by id.
type Container struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	Name           string `json:"name" gorm:"uniqueIndex;size:255" validate:"required,max=255"`
	ComposeProject string `json:"compose_project" gorm:"index;size:255"`
	ComposeFile    string `json:"compose_file" gorm:"size:1024"`
	ServiceName    string `json:"service_name" gorm:"size:255"`

	ImageRef      string `json:"image_ref" gorm:"index;size:512" validate:"required"`
	CurrentTag    string `json:"current_tag" gorm:"size:128"`
	CurrentDigest string `json:"current_digest" gorm:"size:255"`

	Policy UpdatePolicy `json:"policy" gorm:"index;size:16" validate:"updatePolicy"`
	Scope  ChangeScope  `json:"scope" gorm:"size:16" validate:"changeScope"`

	// VersionTrack overrides scheme detection when set ("semver"|"calver").
	VersionTrack *string `json:"version_track" gorm:"size:16"`
	// IncludePrerelease inherits the global setting when nil.
	IncludePrerelease *bool `json:"include_prerelease"`

	MaintenanceWindow string `json:"maintenance_window" gorm:"size:128"`

	DependsOn    StringArray `json:"depends_on" gorm:"type:text"`
	DependedOnBy StringArray `json:"depended_on_by" gorm:"type:text"`

	// Informational candidates rejected by scope or scheme. Cleared on
	// every scan before re-evaluation.
	LatestMajorTag   string `json:"latest_major_tag" gorm:"size:128"`
	CalverBlockedTag string `json:"calver_blocked_tag" gorm:"size:128"`

	// Per-container ignore state, cleared automatically per the rules in
	// the scope-and-ignore filter.
	IgnoredVersion string `json:"ignored_version" gorm:"size:128"`
	IgnoredPrefix  string `json:"ignored_prefix" gorm:"size:128"`

	LastScannedAt *time.Time     `json:"last_scanned_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}

// Validate checks if the container is valid
func (c *Container) Validate() error {
	return validate.Struct(c)
}

// EffectivePrerelease resolves the prerelease tri-state against the global
// default.
func (c *Container) EffectivePrerelease(global bool) bool {
	if c.IncludePrerelease != nil {
		return *c.IncludePrerelease
	}
	return global
}

// ValidateUpdatePolicy validates an update policy field
func ValidateUpdatePolicy(fl validator.FieldLevel) bool {
	return IsValidUpdatePolicy(UpdatePolicy(fl.Field().String()))
}

// ValidateChangeScope validates a change scope field
func ValidateChangeScope(fl validator.FieldLevel) bool {
	return IsValidChangeScope(ChangeScope(fl.Field().String()))
}

func init() {
	_ = validate.RegisterValidation("updatePolicy", ValidateUpdatePolicy)
	_ = validate.RegisterValidation("changeScope", ValidateChangeScope)
	_ = validate.RegisterValidation("updateStatus", ValidateUpdateStatus)
	_ = validate.RegisterValidation("jobStatus", ValidateJobStatus)
}
