/*
errors.go - Billing error taxonomy

ERROR CATEGORIES:
  1. Not-found sentinels - fatal to the operation, surfaced verbatim
  2. CapacityError - recoverable: caller may retry with an explicit override
  3. InvariantError - always fatal, never silently clamped (allocation over
     balance, cross-family allocation, settlement on inconsistent state)
  4. ValidationError (enrolment package) - rejected before any write

The would-shorten error lives in the coverage package next to the guard.
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPaymentAlreadyVoid is returned when undoing a payment twice.
	ErrPaymentAlreadyVoid = errors.New("payment already void")

	// ErrCapacityExceeded is the sentinel under CapacityError.
	ErrCapacityExceeded = errors.New("class capacity exceeded")

	// ErrInvariant is the sentinel under InvariantError.
	ErrInvariant = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// CapacityError reports a class template that cannot take another student.
// Recoverable: the caller may opt into an explicit overload.
type CapacityError struct {
	TemplateID string
	Date       calendar.DayKey
	Capacity   int
	Current    int
	Projected  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded for template %s on %s: %d/%d (projected %d)",
		e.TemplateID, e.Date, e.Current, e.Capacity, e.Projected)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// InvariantError reports a state the engine refuses to write. Fatal: the
// engine never clamps its way past one of these.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

func invariantf(op, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
