package billing

import "github.com/brightwave/enrolment-engine/calendar"

// =============================================================================
// INVOICE STATUS - Deterministic state machine
// =============================================================================

// Status is the invoice lifecycle state. It is always derived by NextStatus,
// never set directly (except the initial draft/sent choice at creation).
type Status string

const (
	StatusDraft         Status = "draft"
	StatusSent          Status = "sent"
	StatusPartiallyPaid Status = "partially_paid"
	StatusOverdue       Status = "overdue"
	StatusPaid          Status = "paid"
	StatusVoid          Status = "void"
)

// NextStatus derives an invoice's status from its totals, due date and
// previous status. Pure function, re-evaluated on every totals change.
//
// Rules, in order:
//   - void is absorbing
//   - paid >= amount            -> paid
//   - 0 < paid < amount         -> partially_paid
//   - unpaid, previously draft  -> draft
//   - unpaid, past due          -> overdue
//   - otherwise                 -> sent
func NextStatus(prev Status, amountCents, paidCents int64, dueAt, today calendar.DayKey) Status {
	if prev == StatusVoid {
		return StatusVoid
	}
	if paidCents >= amountCents {
		return StatusPaid
	}
	if paidCents > 0 {
		return StatusPartiallyPaid
	}
	if prev == StatusDraft {
		return StatusDraft
	}
	if dueAt.Before(today) {
		return StatusOverdue
	}
	return StatusSent
}

// Open reports whether the status accepts allocations.
func (s Status) Open() bool {
	switch s {
	case StatusPaid, StatusVoid:
		return false
	}
	return true
}
