package geo

import (
	"fmt"
	"math"
)

// CoordinateError describes why a coordinate component was rejected.
type CoordinateError struct {
	Field   string
	Value   float64
	Message string
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("%s: %s (value: %.6f)", e.Field, e.Message, e.Value)
}

func ValidateCoordinate(lat, lng float64) error {
	if err := checkComponent("lat", lat, 90); err != nil {
		return err
	}
	return checkComponent("lng", lng, 180)
}

func checkComponent(field string, v, limit float64) error {
	switch {
	case math.IsNaN(v):
		return &CoordinateError{Field: field, Value: v, Message: "NaN not allowed"}
	case math.IsInf(v, 0):
		return &CoordinateError{Field: field, Value: v, Message: "infinite value not allowed"}
	case v < -limit || v > limit:
		return &CoordinateError{Field: field, Value: v, Message: fmt.Sprintf("must be between -%.0f and %.0f", limit, limit)}
	}
	return nil
}

// IsFinite reports whether both components are finite numbers.
func IsFinite(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && !math.IsNaN(lng) && !math.IsInf(lng, 0)
}
