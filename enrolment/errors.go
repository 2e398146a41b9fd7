/*
errors.go - Sentinel and structured errors for the enrolment model

ERROR CATEGORIES:
  1. Not-found sentinels - missing enrolment/plan/template, fatal to the
     operation and surfaced verbatim
  2. ValidationError - bad input shape, rejected before any write

Downstream packages (coverage, billing) define their own recoverable error
types (would-shorten, capacity) and wrap these where useful.
*/
package enrolment

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrEnrolmentNotFound = errors.New("enrolment not found")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrHolidayNotFound   = errors.New("holiday not found")
)

// IsNotFound reports whether the error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEnrolmentNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrHolidayNotFound)
}

// =============================================================================
// VALIDATION - Rejected before any write
// =============================================================================

// ValidationError reports invalid input. Operations validate everything
// before their first write, so a ValidationError implies no state changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validatef builds a ValidationError with a formatted reason.
func Validatef(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
