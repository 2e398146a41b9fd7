/*
recalc.go - Coverage recalculation and the non-regression guard

PURPOSE:
  Recomputes an enrolment's coverage in response to an event and enforces
  that the paid-through date does not silently shrink.

GUARD RULES:
  proposed >= current        -> accept, audit
  proposed <  current:
    reason is payment/attendance truth (invoice applied, cancellation
    created/reversed)        -> freeze at the prior value, no error
    caller confirmed         -> accept the shorter date, audit
    otherwise                -> WouldShortenError carrying both day keys so
                                the caller can re-prompt

WHY FREEZE INSTEAD OF ERROR:
  Paying an invoice or recording a cancellation must never make the system
  unusable. These recalculations are side effects of truthful events, not
  forecasts, so a would-shorten outcome keeps the prior date and moves on.
*/
package coverage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
)

// =============================================================================
// REASONS
// =============================================================================

// Reason identifies what triggered a recalculation.
type Reason string

const (
	ReasonInvoiceApplied        Reason = "invoice_applied"
	ReasonHolidayAdded          Reason = "holiday_added"
	ReasonHolidayRemoved        Reason = "holiday_removed"
	ReasonHolidayUpdated        Reason = "holiday_updated"
	ReasonClassChanged          Reason = "class_changed"
	ReasonPlanChanged           Reason = "plan_changed"
	ReasonCancellationCreated   Reason = "cancellation_created"
	ReasonCancellationReversed  Reason = "cancellation_reversed"
	ReasonPaidThroughManualEdit Reason = "paidthrough_manual_edit"
)

// FreezesShorten reports whether a would-shorten outcome under this reason
// retains the prior value instead of erroring. These are payment and
// attendance truth events, not forecasts.
func (r Reason) FreezesShorten() bool {
	switch r {
	case ReasonInvoiceApplied, ReasonCancellationCreated, ReasonCancellationReversed:
		return true
	}
	return false
}

// =============================================================================
// WOULD-SHORTEN ERROR
// =============================================================================

// ErrWouldShorten is the sentinel for guard rejections.
var ErrWouldShorten = errors.New("coverage would shorten")

// WouldShortenError carries both day keys so the caller can re-prompt for
// confirmation.
type WouldShortenError struct {
	EnrolmentID string
	Old         calendar.DayKey
	New         *calendar.DayKey // nil = coverage would vanish entirely
}

func (e *WouldShortenError) Error() string {
	if e.New == nil {
		return fmt.Sprintf("coverage would shorten: %s -> none (enrolment %s)", e.Old, e.EnrolmentID)
	}
	return fmt.Sprintf("coverage would shorten: %s -> %s (enrolment %s)", e.Old, e.New, e.EnrolmentID)
}

func (e *WouldShortenError) Unwrap() error { return ErrWouldShorten }

// =============================================================================
// RECALCULATOR
// =============================================================================

// Options modify one recalculation call.
type Options struct {
	// ConfirmShorten accepts a shorter paid-through date.
	ConfirmShorten bool

	ActorID string
}

// Recalculator recomputes coverage under the non-regression guard.
type Recalculator struct {
	Selector   *Selector
	Enrolments enrolment.Store
	Audits     AuditStore
	Now        func() time.Time
}

func (rc *Recalculator) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now().UTC()
}

// Recalculate recomputes the snapshot for the enrolment and reconciles the
// explicit paid-through date toward the computed one, subject to the guard.
func (rc *Recalculator) Recalculate(
	ctx context.Context,
	enrolmentID string,
	reason Reason,
	asOf calendar.DayKey,
	opts Options,
) (Snapshot, error) {
	enr, err := rc.Enrolments.GetEnrolment(ctx, enrolmentID)
	if err != nil {
		return Snapshot{}, err
	}
	prev := enr.PaidThrough

	snap, err := rc.Selector.Snapshot(ctx, enrolmentID, asOf)
	if err != nil {
		return Snapshot{}, err
	}
	proposed := snap.PaidThrough

	if shortens(prev, proposed) {
		if reason.FreezesShorten() {
			// Retain the prior value; the computed cache keeps the shorter
			// date but the explicit date does not move backwards.
			snap.PaidThrough = prev
			return snap, nil
		}
		if !opts.ConfirmShorten {
			return Snapshot{}, &WouldShortenError{EnrolmentID: enrolmentID, Old: *prev, New: proposed}
		}
	}

	if !sameDay(prev, proposed) {
		// Re-read: the selector already persisted the cache fields.
		enr, err = rc.Enrolments.GetEnrolment(ctx, enrolmentID)
		if err != nil {
			return Snapshot{}, err
		}
		enr.PaidThrough = proposed
		if err := rc.Enrolments.SaveEnrolment(ctx, *enr); err != nil {
			return Snapshot{}, err
		}
		audit := Audit{
			ID:          uuid.NewString(),
			EnrolmentID: enrolmentID,
			Reason:      reason,
			Previous:    prev,
			Next:        proposed,
			ActorID:     opts.ActorID,
			CreatedAt:   rc.now(),
		}
		if err := rc.Audits.AppendAudit(ctx, audit); err != nil {
			return Snapshot{}, fmt.Errorf("append coverage audit: %w", err)
		}
	}

	return snap, nil
}

func shortens(prev, proposed *calendar.DayKey) bool {
	if prev == nil {
		return false
	}
	if proposed == nil {
		return true
	}
	return proposed.Before(*prev)
}

func sameDay(a, b *calendar.DayKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
