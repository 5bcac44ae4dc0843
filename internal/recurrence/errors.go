package recurrence

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteSelection is returned when a required field is missing or unparseable.
	ErrIncompleteSelection = errors.New("incomplete selection")

	// ErrInvalidInterval is returned for an interval below 1.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidDayOfMonth is returned for a monthly day outside 1..31.
	ErrInvalidDayOfMonth = errors.New("invalid day of month")

	// ErrInvalidRange is returned when until precedes the first possible occurrence.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidRule is returned when a serialized rule cannot be parsed.
	ErrInvalidRule = errors.New("invalid rule")
)

// SelectionError names the offending field. It unwraps to one of the sentinels above.
type SelectionError struct {
	Field string
	Err   error
	Value string
}

func (e *SelectionError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("recurrence: %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("recurrence: %s: %v", e.Field, e.Err)
}

func (e *SelectionError) Unwrap() error { return e.Err }

func fieldErr(field string, err error, value string) error {
	return &SelectionError{Field: field, Err: err, Value: value}
}
