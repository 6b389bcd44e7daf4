// Package repositories holds the per-entity data access types. All
// mutating transitions on versioned rows go through compare-and-set
// helpers: the write succeeds only when the row still carries the version
// the caller read, and bumps it by one.
package repositories

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDatabaseOperation is returned when a database operation fails
	ErrDatabaseOperation = errors.New("database operation failed")

	// ErrVersionConflict is returned when a compare-and-set write observes
	// that a concurrent actor already mutated the row.
	ErrVersionConflict = errors.New("version conflict: row was modified concurrently")
)
