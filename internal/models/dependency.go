package models

import (
	"time"

	"gorm.io/gorm"
)

// DependencySeverity grades how far behind a tracked sub-component is.
type DependencySeverity string

const (
	SeverityCritical DependencySeverity = "critical"
	SeverityHigh     DependencySeverity = "high"
	SeverityMedium   DependencySeverity = "medium"
	SeverityLow      DependencySeverity = "low"
	SeverityNone     DependencySeverity = "none"
)

// DependencyState carries the fields common to every tracked sub-component
// of a container. Its lifecycle mirrors Update but is scoped below the
// container: current/latest version, ignore state and an optimistic-lock
// counter.
type DependencyState struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	ContainerID uint      `json:"container_id" gorm:"index" validate:"required"`
	Container   Container `json:"-" gorm:"foreignKey:ContainerID"`

	Name           string `json:"name" gorm:"index;size:255" validate:"required,max=255"`
	CurrentVersion string `json:"current_version" gorm:"size:128"`
	LatestVersion  string `json:"latest_version" gorm:"size:128"`

	Severity DependencySeverity `json:"severity" gorm:"size:16"`

	IgnoredVersion string `json:"ignored_version" gorm:"size:128"`
	IgnoredPrefix  string `json:"ignored_prefix" gorm:"size:128"`

	Version int64 `json:"version" gorm:"not null;default:1"`

	LastCheckedAt *time.Time     `json:"last_checked_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}

// Outdated reports whether a newer version than the current one is known.
func (d *DependencyState) Outdated() bool {
	return d.LatestVersion != "" && d.LatestVersion != d.CurrentVersion
}

// Ignored reports whether the latest known version is suppressed by the
// dependency's ignore state.
func (d *DependencyState) Ignored() bool {
	if d.IgnoredVersion != "" && d.IgnoredVersion == d.LatestVersion {
		return true
	}
	if d.IgnoredPrefix != "" && hasVersionPrefix(d.LatestVersion, d.IgnoredPrefix) {
		return true
	}
	return false
}

// hasVersionPrefix matches on whole version components, so prefix "3.1"
// matches "3.1.4" but not "3.10.0".
func hasVersionPrefix(version, prefix string) bool {
	if version == prefix {
		return true
	}
	return len(version) > len(prefix) &&
		version[:len(prefix)] == prefix &&
		version[len(prefix)] == '.'
}

// DockerfileDependency tracks a base image referenced by the container's
// build.
type DockerfileDependency struct {
	DependencyState
	BaseImage string `json:"base_image" gorm:"size:512"`
	Stage     string `json:"stage" gorm:"size:128"`
}

// AppDependency tracks a language-ecosystem package inside the container.
type AppDependency struct {
	DependencyState
	Ecosystem string `json:"ecosystem" gorm:"size:64"`
	FilePath  string `json:"file_path" gorm:"size:1024"`
}

// HttpServer tracks an embedded HTTP server detected in the container.
type HttpServer struct {
	DependencyState
	Port   int    `json:"port"`
	Banner string `json:"banner" gorm:"size:512"`
}
