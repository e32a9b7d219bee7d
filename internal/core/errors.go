package core

import (
	"errors"
	"fmt"
)

// Core errors that can occur across the system
var (
	// Registry errors
	ErrPermissionDenied  = errors.New("location permission denied")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrCapacityExceeded  = errors.New("geofence capacity exceeded")
	ErrMonitoringFailed  = errors.New("region monitoring failed")
	ErrGeofenceNotFound  = errors.New("geofence not found")

	// Dispatch errors
	ErrDispatchUnavailable = errors.New("notification dispatch unavailable")

	// Task errors
	ErrTaskNotFound = errors.New("task not found")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)

// GeofenceError ties a sentinel error to the operation and geofence that produced it.
type GeofenceError struct {
	Op         string
	GeofenceID string
	Err        error
}

func (e *GeofenceError) Error() string {
	if e.GeofenceID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.GeofenceID, e.Err)
}

func (e *GeofenceError) Unwrap() error {
	return e.Err
}

// NewGeofenceError wraps err for the given operation and geofence id.
func NewGeofenceError(op, geofenceID string, err error) *GeofenceError {
	return &GeofenceError{Op: op, GeofenceID: geofenceID, Err: err}
}
