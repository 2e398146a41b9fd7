/*
service.go - Invoice creation, payment allocation, entitlement application

PURPOSE:
  The service is the write path for money. It creates invoices, records
  payments, allocates them to invoices (manually or oldest-open-first),
  and applies the invoice's entitlement to the enrolment exactly once on
  the first transition into paid.

ENTITLEMENT:
  weekly plan -> add the coverage window's session count to the enrolment's
                 paid entitlement, then recalculate under the guard
  credit plan -> append a PURCHASE ledger event, then recalculate

  Both paths funnel through the recalculator with the invoice-applied
  reason, which freezes rather than errors on a would-shorten outcome.

UNDO:
  Undoing a payment reverses its allocations, re-derives each touched
  invoice's status, and reverses any entitlement the payment had applied:
  the weekly entitlement is decremented, the credit grant gets an inverse
  MANUAL_ADJUST. The ledger stays append-only throughout.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
)

// =============================================================================
// SERVICE
// =============================================================================

// TxRunner executes fn atomically. Stores that cannot provide transactions
// may run fn directly; the memory store snapshots and rolls back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func() error) error
}

// Service is the billing write path.
type Service struct {
	Enrolments enrolment.Store
	Plans      enrolment.PlanStore
	Templates  enrolment.TemplateStore
	Calendar   enrolment.CalendarStore

	Invoices    InvoiceStore
	Payments    PaymentStore
	Settlements SettlementStore

	Credits  *ledger.Ledger
	Selector *coverage.Selector
	Recalc   *coverage.Recalculator
	Audits   coverage.AuditStore

	Tx TxRunner

	Location *time.Location
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) today() calendar.DayKey {
	loc := s.Location
	if loc == nil {
		loc = calendar.DefaultLocation()
	}
	return calendar.DayKeyOf(s.now(), loc)
}

func (s *Service) withTx(ctx context.Context, fn func() error) error {
	if s.Tx == nil {
		return fn()
	}
	return s.Tx.WithTx(ctx, fn)
}

// =============================================================================
// INVOICE CREATION
// =============================================================================

// CreateInvoice validates and persists a new invoice. The amount is always
// recomputed from the line items; the initial status may only be draft or
// sent.
func (s *Service) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if inv.FamilyID == "" {
		return nil, enrolment.Validatef("familyId", "required")
	}
	if len(inv.LineItems) == 0 {
		return nil, enrolment.Validatef("lineItems", "at least one line item required")
	}
	for i, li := range inv.LineItems {
		if li.AmountCents <= 0 {
			return nil, enrolment.Validatef("lineItems", "item %d: amount must be positive", i)
		}
	}
	switch inv.Status {
	case "":
		inv.Status = StatusDraft
	case StatusDraft, StatusSent:
	default:
		return nil, enrolment.Validatef("status", "initial status must be draft or sent, got %q", inv.Status)
	}
	if inv.EnrolmentID != "" {
		if _, err := s.Enrolments.GetEnrolment(ctx, inv.EnrolmentID); err != nil {
			return nil, err
		}
	}

	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	for i := range inv.LineItems {
		if inv.LineItems[i].ID == "" {
			inv.LineItems[i].ID = uuid.NewString()
		}
		inv.LineItems[i].InvoiceID = inv.ID
	}
	inv.RecomputeAmount()
	inv.AmountPaidCents = 0
	inv.SessionsApplied = 0
	inv.CreatedAt = s.now()

	if err := s.Invoices.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// VoidInvoice marks an invoice void. Refused while money is allocated to it.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	inv, err := s.Invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	allocs, err := s.Payments.AllocationsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if ActiveAllocatedCents(allocs) > 0 {
		return nil, invariantf("void invoice", "invoice %s has active allocations", invoiceID)
	}
	inv.Status = StatusVoid
	if err := s.Invoices.SaveInvoice(ctx, *inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// =============================================================================
// PAYMENT CREATION AND ALLOCATION
// =============================================================================

// AllocationStrategy selects how an unallocated remainder is applied.
type AllocationStrategy string

const (
	// StrategyNone leaves the remainder unallocated.
	StrategyNone AllocationStrategy = ""

	// StrategyOldestOpenFirst allocates greedily across the family's open
	// invoices ordered by due date.
	StrategyOldestOpenFirst AllocationStrategy = "oldest_open_first"
)

// AllocationInput is one explicit allocation in a payment request.
type AllocationInput struct {
	InvoiceID   string
	AmountCents int64
}

// PaymentInput describes one payment to record.
type PaymentInput struct {
	FamilyID    string
	AmountCents int64
	PaidAt      *calendar.DayKey // nil = today
	Method      string

	// IdempotencyKey makes creation retry-safe within the family. Replays
	// return the original payment without writing anything.
	IdempotencyKey string

	// Allocations applies explicit amounts to named invoices. Any remainder
	// is handled per Strategy.
	Allocations []AllocationInput
	Strategy    AllocationStrategy
}

// PaymentResult is the outcome of recording a payment.
type PaymentResult struct {
	Payment     Payment
	Allocations []Allocation

	// Replayed is true when the idempotency key matched an existing payment
	// and nothing was written.
	Replayed bool
}

// CreatePayment records a payment and allocates it. Explicit allocations are
// validated against invoice balances before any write; the remainder follows
// the strategy. The whole operation runs in one transaction.
func (s *Service) CreatePayment(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	if in.FamilyID == "" {
		return nil, enrolment.Validatef("familyId", "required")
	}
	if in.AmountCents <= 0 {
		return nil, enrolment.Validatef("amountCents", "must be positive, got %d", in.AmountCents)
	}

	if in.IdempotencyKey != "" {
		prior, err := s.Payments.PaymentByKey(ctx, in.FamilyID, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			allocs, err := s.Payments.AllocationsByPayment(ctx, prior.ID)
			if err != nil {
				return nil, err
			}
			return &PaymentResult{Payment: *prior, Allocations: allocs, Replayed: true}, nil
		}
	}

	paidAt := s.today()
	if in.PaidAt != nil {
		paidAt = *in.PaidAt
	}

	var explicit int64
	for i, a := range in.Allocations {
		if a.AmountCents <= 0 {
			return nil, enrolment.Validatef("allocations", "allocation %d: amount must be positive", i)
		}
		explicit += a.AmountCents
	}
	// Explicit allocations must account for the whole payment; partial
	// manual splits are ambiguous. Leave Allocations empty (with or without
	// a strategy) to carry an unallocated remainder instead.
	if len(in.Allocations) > 0 && explicit != in.AmountCents {
		return nil, enrolment.Validatef("allocations",
			"allocated %d does not equal payment amount %d", explicit, in.AmountCents)
	}

	pay := Payment{
		ID:             uuid.NewString(),
		FamilyID:       in.FamilyID,
		AmountCents:    in.AmountCents,
		PaidAt:         paidAt,
		Method:         in.Method,
		Status:         PaymentActive,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      s.now(),
	}

	var result *PaymentResult
	err := s.withTx(ctx, func() error {
		if err := s.Payments.SavePayment(ctx, pay); err != nil {
			return err
		}

		var allocs []Allocation
		for _, a := range in.Allocations {
			alloc, err := s.allocate(ctx, pay, a.InvoiceID, a.AmountCents, false)
			if err != nil {
				return err
			}
			allocs = append(allocs, *alloc)
		}

		remainder := in.AmountCents - explicit
		if remainder > 0 && in.Strategy == StrategyOldestOpenFirst {
			auto, err := s.allocateOldestFirst(ctx, pay, remainder)
			if err != nil {
				return err
			}
			allocs = append(allocs, auto...)
		}

		result = &PaymentResult{Payment: pay, Allocations: allocs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// allocate applies amount from the payment to one invoice and re-derives the
// invoice status. clamp allows auto-allocation to cap at the balance.
func (s *Service) allocate(ctx context.Context, pay Payment, invoiceID string, amount int64, clamp bool) (*Allocation, error) {
	inv, err := s.Invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.FamilyID != pay.FamilyID {
		return nil, invariantf("allocate payment",
			"invoice %s belongs to family %s, payment to %s", inv.ID, inv.FamilyID, pay.FamilyID)
	}
	if !inv.Status.Open() {
		return nil, invariantf("allocate payment", "invoice %s is %s", inv.ID, inv.Status)
	}
	balance := inv.BalanceCents()
	if amount > balance {
		if !clamp {
			return nil, invariantf("allocate payment",
				"allocation %d exceeds invoice %s balance %d", amount, inv.ID, balance)
		}
		amount = balance
	}
	if amount <= 0 {
		return nil, invariantf("allocate payment", "invoice %s has no balance", inv.ID)
	}

	alloc := Allocation{
		ID:          uuid.NewString(),
		PaymentID:   pay.ID,
		InvoiceID:   inv.ID,
		AmountCents: amount,
		CreatedAt:   s.now(),
	}
	if err := s.Payments.SaveAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	if err := s.settleInvoice(ctx, inv.ID); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// allocateOldestFirst spreads remainder greedily across the family's open
// invoices. Whatever does not fit stays unallocated on the payment.
func (s *Service) allocateOldestFirst(ctx context.Context, pay Payment, remainder int64) ([]Allocation, error) {
	open, err := s.Invoices.OpenInvoicesByFamily(ctx, pay.FamilyID)
	if err != nil {
		return nil, err
	}
	var allocs []Allocation
	for _, inv := range open {
		if remainder <= 0 {
			break
		}
		balance := inv.BalanceCents()
		if balance <= 0 {
			continue
		}
		amount := remainder
		if amount > balance {
			amount = balance
		}
		alloc, err := s.allocate(ctx, pay, inv.ID, amount, true)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, *alloc)
		remainder -= alloc.AmountCents
	}
	return allocs, nil
}

// settleInvoice re-derives the invoice's paid total and status from its
// active allocations. The first transition into paid applies the invoice's
// entitlement; the guard is prev != paid at this exact point.
func (s *Service) settleInvoice(ctx context.Context, invoiceID string) error {
	inv, err := s.Invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	allocs, err := s.Payments.AllocationsByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	prev := inv.Status
	inv.AmountPaidCents = ActiveAllocatedCents(allocs)
	inv.Status = NextStatus(prev, inv.AmountCents, inv.AmountPaidCents, inv.DueAt, s.today())
	if err := s.Invoices.SaveInvoice(ctx, *inv); err != nil {
		return err
	}

	if prev != StatusPaid && inv.Status == StatusPaid {
		if err := s.applyEntitlement(ctx, *inv); err != nil {
			return fmt.Errorf("apply entitlement for invoice %s: %w", inv.ID, err)
		}
	}
	if prev == StatusPaid && inv.Status != StatusPaid {
		if err := s.reverseEntitlement(ctx, *inv); err != nil {
			return fmt.Errorf("reverse entitlement for invoice %s: %w", inv.ID, err)
		}
	}
	return nil
}

// =============================================================================
// ENTITLEMENT
// =============================================================================

// applyEntitlement grants the invoice's coverage to its enrolment. Weekly
// plans gain sessions; credit plans gain a PURCHASE event. Both end in a
// recalculation under the invoice-applied reason, which freezes instead of
// erroring on a would-shorten outcome.
func (s *Service) applyEntitlement(ctx context.Context, inv Invoice) error {
	if inv.EnrolmentID == "" {
		return nil
	}
	enr, err := s.Enrolments.GetEnrolment(ctx, inv.EnrolmentID)
	if err != nil {
		return err
	}

	switch enr.BillingType {
	case enrolment.BillingPerWeek:
		purchased, err := s.invoiceSessions(ctx, *enr, inv)
		if err != nil {
			return err
		}
		if purchased == 0 {
			return nil
		}
		if err := s.adjustSessions(ctx, *enr, purchased); err != nil {
			return err
		}
		// Record the grant on the invoice itself. By undo time the
		// enrolment's coverage has advanced past the invoice window, so the
		// count cannot be re-derived from the enrolment.
		inv.SessionsApplied = purchased
		if err := s.Invoices.SaveInvoice(ctx, inv); err != nil {
			return err
		}

	case enrolment.BillingPerClass:
		if inv.CreditsPurchased <= 0 {
			return nil
		}
		// Generation-scoped key: after an undo, the next application must
		// produce a fresh key or the silent-skip would eat the re-grant.
		gen, err := s.invoiceEventCount(ctx, enr.ID, inv.ID, ledger.EventManualAdjust)
		if err != nil {
			return err
		}
		err = s.Credits.Append(ctx, ledger.Event{
			EnrolmentID:    enr.ID,
			Type:           ledger.EventPurchase,
			Delta:          inv.CreditsPurchased,
			OccurredOn:     s.today(),
			InvoiceID:      inv.ID,
			Reason:         "invoice paid",
			IdempotencyKey: fmt.Sprintf("invoice:%s:purchase:%d", inv.ID, gen),
			CreatedAt:      s.now(),
		})
		if err != nil {
			return err
		}

	default:
		return invariantf("apply entitlement", "unknown billing type %q", enr.BillingType)
	}

	_, err = s.Recalc.Recalculate(ctx, enr.ID, coverage.ReasonInvoiceApplied, s.today(), coverage.Options{})
	return err
}

// reverseEntitlement takes back what applyEntitlement granted, when an
// invoice leaves paid (allocation reversed by a payment undo). The ledger
// stays append-only: credit grants are undone with an inverse adjustment.
func (s *Service) reverseEntitlement(ctx context.Context, inv Invoice) error {
	if inv.EnrolmentID == "" {
		return nil
	}
	enr, err := s.Enrolments.GetEnrolment(ctx, inv.EnrolmentID)
	if err != nil {
		return err
	}

	switch enr.BillingType {
	case enrolment.BillingPerWeek:
		purchased := inv.SessionsApplied
		if purchased == 0 {
			return nil
		}
		if err := s.adjustSessions(ctx, *enr, -purchased); err != nil {
			return err
		}
		inv.SessionsApplied = 0
		if err := s.Invoices.SaveInvoice(ctx, inv); err != nil {
			return err
		}

	case enrolment.BillingPerClass:
		if inv.CreditsPurchased <= 0 {
			return nil
		}
		gen, err := s.invoiceEventCount(ctx, enr.ID, inv.ID, ledger.EventManualAdjust)
		if err != nil {
			return err
		}
		err = s.Credits.Append(ctx, ledger.Event{
			EnrolmentID:    enr.ID,
			Type:           ledger.EventManualAdjust,
			Delta:          -inv.CreditsPurchased,
			OccurredOn:     s.today(),
			InvoiceID:      inv.ID,
			Reason:         "invoice payment undone",
			IdempotencyKey: fmt.Sprintf("invoice:%s:purchase-reversal:%d", inv.ID, gen),
			CreatedAt:      s.now(),
		})
		if err != nil {
			return err
		}

	default:
		return invariantf("reverse entitlement", "unknown billing type %q", enr.BillingType)
	}

	_, err = s.Recalc.Recalculate(ctx, enr.ID, coverage.ReasonInvoiceApplied, s.today(), coverage.Options{})
	return err
}

// invoiceEventCount counts the enrolment's ledger events of one type linked
// to an invoice. Used to generation-scope entitlement idempotency keys
// across apply/undo cycles.
func (s *Service) invoiceEventCount(ctx context.Context, enrolmentID, invoiceID string, typ ledger.EventType) (int, error) {
	evs, err := s.Credits.Events(ctx, enrolmentID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range evs {
		if ev.InvoiceID == invoiceID && ev.Type == typ {
			n++
		}
	}
	return n, nil
}

// invoiceSessions counts the sessions the invoice's coverage window buys
// under the enrolment's current schedule.
func (s *Service) invoiceSessions(ctx context.Context, enr enrolment.Enrolment, inv Invoice) (int, error) {
	if inv.CoverageEnd == nil {
		return 0, nil
	}
	templates, skip, err := s.Selector.Schedule(ctx, enr)
	if err != nil {
		return 0, err
	}
	start := enr.Start
	if inv.CoverageStart != nil {
		start = *inv.CoverageStart
	} else if enr.PaidThrough != nil {
		start = enr.PaidThrough.AddDays(1)
	}
	return coverage.SessionsBetween(templates, skip, start, *inv.CoverageEnd)
}

// adjustSessions moves the enrolment's session entitlement by delta, seeding
// it from the explicit paid-through date the first time it is touched.
func (s *Service) adjustSessions(ctx context.Context, enr enrolment.Enrolment, delta int) error {
	if enr.PaidSessions == 0 && enr.PaidThrough != nil {
		templates, skip, err := s.Selector.Schedule(ctx, enr)
		if err != nil {
			return err
		}
		seed, err := coverage.SessionsBetween(templates, skip, enr.Start, *enr.PaidThrough)
		if err != nil {
			return err
		}
		enr.PaidSessions = seed
	}
	enr.PaidSessions += delta
	if enr.PaidSessions < 0 {
		enr.PaidSessions = 0
	}
	return s.Enrolments.SaveEnrolment(ctx, enr)
}

// =============================================================================
// PAYMENT UNDO AND DELETE
// =============================================================================

// UndoPayment voids a payment and reverses its active allocations. Each
// touched invoice is re-derived, which reverses entitlement for invoices
// that drop out of paid. Already-void payments are refused.
func (s *Service) UndoPayment(ctx context.Context, paymentID string) (*Payment, error) {
	pay, err := s.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pay.Status == PaymentVoid {
		return nil, ErrPaymentAlreadyVoid
	}

	err = s.withTx(ctx, func() error {
		allocs, err := s.Payments.AllocationsByPayment(ctx, pay.ID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, a := range allocs {
			if !a.Active() {
				continue
			}
			a.ReversedAt = &now
			if err := s.Payments.SaveAllocation(ctx, a); err != nil {
				return err
			}
			if err := s.settleInvoice(ctx, a.InvoiceID); err != nil {
				return err
			}
		}
		pay.Status = PaymentVoid
		return s.Payments.SavePayment(ctx, *pay)
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// DeletePayment undoes the payment (when still active) and soft-deletes it.
// The row stays for the money trail; listings filter on DeletedAt.
func (s *Service) DeletePayment(ctx context.Context, paymentID string) error {
	pay, err := s.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if pay.Status != PaymentVoid {
		if pay, err = s.UndoPayment(ctx, paymentID); err != nil {
			return err
		}
	}
	now := s.now()
	pay.DeletedAt = &now
	return s.Payments.SavePayment(ctx, *pay)
}
