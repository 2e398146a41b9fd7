/*
Package billing is the money side of the engine: invoices, payments,
allocations, plan-change settlement, and the entitlement application that
keeps coverage in lockstep with the ledger.

PURPOSE:
  Invoices carry line items and a coverage window (or a credit grant).
  Payments are allocated to invoices manually or oldest-open-first. The
  first transition of an invoice into "paid" applies its entitlement to the
  enrolment exactly once: weekly plans advance the paid-through date,
  credit plans receive a PURCHASE ledger event.

CRITICAL INVARIANTS:
  1. Invoice amount is always the sum of its line items
  2. Allocations never exceed an invoice's balance
  3. Entitlement applies exactly once per transition into paid, guarded by
     the previous-status check at the point of transition
  4. Payment creation and settlement are idempotent via keys; replays
     return the prior result

SEE ALSO:
  - status.go: the invoice state machine
  - service.go: payment creation, allocation, undo
  - settlement.go: plan/class change settlement arithmetic
  - changeover.go: the change operation itself
*/
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// INVOICE
// =============================================================================

// LineItem is one charge on an invoice.
type LineItem struct {
	ID          string
	InvoiceID   string
	Description string
	AmountCents int64
}

// Invoice is a bill to a family. AmountCents is always recomputed from the
// line items, never set directly.
type Invoice struct {
	ID       string
	FamilyID string

	// EnrolmentID links the invoice to the enrolment whose entitlement it
	// funds. Empty for invoices with no coverage effect.
	EnrolmentID string

	AmountCents     int64
	AmountPaidCents int64
	Status          Status

	IssuedAt calendar.DayKey
	DueAt    calendar.DayKey

	// Coverage window funded by this invoice (weekly plans).
	CoverageStart *calendar.DayKey
	CoverageEnd   *calendar.DayKey

	// CreditsPurchased granted on payment (per-class plans).
	CreditsPurchased int

	// SessionsApplied records how many sessions this invoice granted when it
	// became paid. An undo reverses exactly this amount; the window cannot be
	// re-derived once the enrolment's coverage has moved past it.
	SessionsApplied int

	LineItems []LineItem

	CreatedAt time.Time
}

// RecomputeAmount sets AmountCents to the sum of the line items.
func (i *Invoice) RecomputeAmount() {
	var sum int64
	for _, li := range i.LineItems {
		sum += li.AmountCents
	}
	i.AmountCents = sum
}

// BalanceCents returns the unpaid remainder.
func (i Invoice) BalanceCents() int64 {
	return i.AmountCents - i.AmountPaidCents
}

// =============================================================================
// STORES
// =============================================================================

var ErrInvoiceNotFound = errors.New("invoice not found")
var ErrPaymentNotFound = errors.New("payment not found")

// InvoiceStore persists invoices and their line items.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	SaveInvoice(ctx context.Context, inv Invoice) error

	// OpenInvoicesByFamily returns the family's open invoices ordered by
	// due date, then issue date. The order defines oldest-open-first.
	OpenInvoicesByFamily(ctx context.Context, familyID string) ([]Invoice, error)

	// InvoicesByFamily returns all of the family's invoices, newest first.
	InvoicesByFamily(ctx context.Context, familyID string) ([]Invoice, error)
}
