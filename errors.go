package fieldsync

import (
	"errors"
	"fmt"
)

// Common errors returned by the fieldsync client.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write carries a stale revision.
	ErrConflict = errors.New("document update conflict")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted in offline mode.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrInvalidGrainSize is returned for a size outside GrainSizes.
	ErrInvalidGrainSize = errors.New("invalid grain size")

	// ErrMissingGPS is returned when a grain observation has no coordinates.
	ErrMissingGPS = errors.New("GPS coordinates required")

	// ErrInvalidCoordinates is returned for latitude/longitude out of range.
	ErrInvalidCoordinates = errors.New("GPS coordinates out of range")

	// ErrInvalidMeasurement is returned for negative or non-finite measurements.
	ErrInvalidMeasurement = errors.New("measurement must be a non-negative number")
)

// MigrationReason classifies why an identity migration failed.
type MigrationReason string

const (
	ReasonEmptyID      MigrationReason = "empty_id"
	ReasonNotCurrent   MigrationReason = "not_current"
	ReasonSameID       MigrationReason = "same_id"
	ReasonStoreFailure MigrationReason = "store_failure"
)

var migrationMessages = map[MigrationReason]string{
	ReasonEmptyID:      "Enter both Old ID and New ID.",
	ReasonNotCurrent:   "Old ID does not match your current Student ID.",
	ReasonSameID:       "New ID must be different from Old ID.",
	ReasonStoreFailure: "Failed to update. Please try again.",
}

// MigrationError is returned by MigrateIdentity. Precondition failures
// carry Updated == 0; store failures report how many records were
// rewritten before the failure. Extractable via errors.As().
type MigrationError struct {
	Reason  MigrationReason
	Updated int
	Err     error
}

// Message returns the user-facing explanation.
func (e *MigrationError) Message() string {
	return migrationMessages[e.Reason]
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migrate identity: %s (%d updated): %v", e.Message(), e.Updated, e.Err)
	}
	return "migrate identity: " + e.Message()
}

func (e *MigrationError) Unwrap() error { return e.Err }

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote operation fails with details.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
