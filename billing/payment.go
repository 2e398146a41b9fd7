package billing

import (
	"context"
	"time"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// PAYMENT
// =============================================================================

// PaymentStatus is the payment lifecycle state.
type PaymentStatus string

const (
	PaymentActive PaymentStatus = "active"
	PaymentVoid   PaymentStatus = "void"
)

// Payment is money received from a family. A payment may be partially or
// fully unallocated; the unallocated balance is a first-class value, not an
// error.
type Payment struct {
	ID       string
	FamilyID string

	AmountCents int64
	PaidAt      calendar.DayKey
	Method      string // free-text label; no gateway integration

	Status PaymentStatus

	// IdempotencyKey, scoped to the family, makes creation retry-safe.
	IdempotencyKey string

	CreatedAt time.Time
	DeletedAt *time.Time
}

// Allocation assigns part of a payment to an invoice. Reversal marks the
// row rather than deleting it, keeping the money trail reconstructible.
type Allocation struct {
	ID          string
	PaymentID   string
	InvoiceID   string
	AmountCents int64
	CreatedAt   time.Time
	ReversedAt  *time.Time
}

// Active reports whether the allocation still counts toward invoice totals.
func (a Allocation) Active() bool { return a.ReversedAt == nil }

// =============================================================================
// STORE
// =============================================================================

// PaymentStore persists payments and allocations.
type PaymentStore interface {
	GetPayment(ctx context.Context, id string) (*Payment, error)
	SavePayment(ctx context.Context, p Payment) error

	// PaymentByKey returns the family's payment carrying the idempotency
	// key, or nil when none exists.
	PaymentByKey(ctx context.Context, familyID, key string) (*Payment, error)

	SaveAllocation(ctx context.Context, a Allocation) error
	AllocationsByPayment(ctx context.Context, paymentID string) ([]Allocation, error)
	AllocationsByInvoice(ctx context.Context, invoiceID string) ([]Allocation, error)
}

// ActiveAllocatedCents sums the active allocations.
func ActiveAllocatedCents(allocs []Allocation) int64 {
	var sum int64
	for _, a := range allocs {
		if a.Active() {
			sum += a.AmountCents
		}
	}
	return sum
}
