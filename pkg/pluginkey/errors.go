package pluginkey

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is matched by every *ValidationError via errors.Is
	ErrInvalidKey = errors.New("invalid plugin key")

	// ErrInvalidVersion is returned when a version string cannot be parsed
	ErrInvalidVersion = errors.New("invalid version")
)

// Fields reported by ValidationError
const (
	FieldPackageID    = "package_id"
	FieldVersion      = "version"
	FieldFullTypeName = "full_type_name"
)

// ValidationError describes the offending field of a rejected key
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %q is not a valid %s", ErrInvalidKey, e.Value, describeField(e.Field))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying parse error, if any
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidKey
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidKey
}

func describeField(field string) string {
	switch field {
	case FieldPackageID:
		return "package id"
	case FieldVersion:
		return "version"
	case FieldFullTypeName:
		return "full type name"
	default:
		return field
	}
}
