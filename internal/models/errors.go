package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrOutsideGeofence = errors.New("outside operating area")
	ErrStore           = errors.New("store failure")
)

// ValidationError reports malformed input to a write operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// GeofenceRejection reports a coordinate outside the permitted radius.
type GeofenceRejection struct {
	Lat            float64
	Lng            float64
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceRejection) Error() string {
	return fmt.Sprintf("position (%.6f, %.6f) is %.0f m from campus, limit is %.0f m",
		e.Lat, e.Lng, e.DistanceMeters, e.RadiusMeters)
}

func (e *GeofenceRejection) Is(target error) bool { return target == ErrOutsideGeofence }

// StoreError wraps a failure of the underlying persistence layer.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }
