/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  internal domain model from the external contract. Day keys cross the
  wire in their ISO form "2006-01-02"; timestamps are RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Handlers validate; DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/brightwave/enrolment-engine/billing"
	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/ledger"
)

// =============================================================================
// COVERAGE
// =============================================================================

// SnapshotDTO is the billing status of one enrolment at one day.
type SnapshotDTO struct {
	EnrolmentID        string  `json:"enrolment_id"`
	AsOf               string  `json:"as_of"`
	PaidThrough        *string `json:"paid_through"`
	NextDue            *string `json:"next_due"`
	RemainingCredits   int     `json:"remaining_credits"`
	CoveredOccurrences int     `json:"covered_occurrences"`
}

func toSnapshotDTO(s coverage.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		EnrolmentID:        s.EnrolmentID,
		AsOf:               s.AsOf.String(),
		PaidThrough:        dayString(s.PaidThrough),
		NextDue:            dayString(s.NextDue),
		RemainingCredits:   s.RemainingCredits,
		CoveredOccurrences: s.CoveredOccurrences,
	}
}

// RecalculateRequest triggers a guarded recalculation.
type RecalculateRequest struct {
	Reason         string `json:"reason"`
	AsOf           string `json:"as_of,omitempty"`
	ConfirmShorten bool   `json:"confirm_shorten"`
	ActorID        string `json:"actor_id,omitempty"`
}

// AuditDTO is one accepted paid-through change.
type AuditDTO struct {
	ID          string  `json:"id"`
	EnrolmentID string  `json:"enrolment_id"`
	Reason      string  `json:"reason"`
	Previous    *string `json:"previous"`
	Next        *string `json:"next"`
	ActorID     string  `json:"actor_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toAuditDTO(a coverage.Audit) AuditDTO {
	return AuditDTO{
		ID:          a.ID,
		EnrolmentID: a.EnrolmentID,
		Reason:      string(a.Reason),
		Previous:    dayString(a.Previous),
		Next:        dayString(a.Next),
		ActorID:     a.ActorID,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// CreditEventDTO is one credit movement.
type CreditEventDTO struct {
	ID          string `json:"id"`
	EnrolmentID string `json:"enrolment_id"`
	Type        string `json:"type"`
	Delta       int    `json:"delta"`
	OccurredOn  string `json:"occurred_on"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toCreditEventDTO(ev ledger.Event) CreditEventDTO {
	return CreditEventDTO{
		ID:          ev.ID,
		EnrolmentID: ev.EnrolmentID,
		Type:        string(ev.Type),
		Delta:       ev.Delta,
		OccurredOn:  ev.OccurredOn.String(),
		InvoiceID:   ev.InvoiceID,
		ReferenceID: ev.ReferenceID,
		Reason:      ev.Reason,
		CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// CHANGE
// =============================================================================

// ChangeRequest applies a plan/class change to an enrolment.
type ChangeRequest struct {
	NewPlanID             string   `json:"new_plan_id"`
	NewTemplateIDs        []string `json:"new_template_ids"`
	ChangeoverDate        string   `json:"changeover_date"`
	ConfirmShorten        bool     `json:"confirm_shorten"`
	AllowCapacityOverload bool     `json:"allow_capacity_overload"`
	ActorID               string   `json:"actor_id,omitempty"`
}

// SettlementDTO is the applied settlement of one change.
type SettlementDTO struct {
	Key               string  `json:"key"`
	ChargeableClasses int     `json:"chargeable_classes"`
	OldValueCents     int64   `json:"old_value_cents"`
	NewValueCents     int64   `json:"new_value_cents"`
	DifferenceCents   int64   `json:"difference_cents"`
	InvoiceID         string  `json:"invoice_id,omitempty"`
	PaymentID         string  `json:"payment_id,omitempty"`
	PaidThrough       *string `json:"paid_through"`
}

// ChangeResultDTO is the outcome of a change.
type ChangeResultDTO struct {
	OldEnrolmentID string        `json:"old_enrolment_id"`
	NewEnrolmentID string        `json:"new_enrolment_id"`
	Settlement     SettlementDTO `json:"settlement"`
	Replayed       bool          `json:"replayed"`
}

func toChangeResultDTO(res billing.ChangeResult) ChangeResultDTO {
	return ChangeResultDTO{
		OldEnrolmentID: res.OldEnrolmentID,
		NewEnrolmentID: res.NewEnrolmentID,
		Settlement: SettlementDTO{
			Key:               res.Settlement.Key,
			ChargeableClasses: res.Settlement.ChargeableClasses,
			OldValueCents:     res.Settlement.OldValueCents,
			NewValueCents:     res.Settlement.NewValueCents,
			DifferenceCents:   res.Settlement.DifferenceCents,
			InvoiceID:         res.Settlement.InvoiceID,
			PaymentID:         res.Settlement.PaymentID,
			PaidThrough:       dayString(res.Settlement.PaidThrough),
		},
		Replayed: res.Replayed,
	}
}

// =============================================================================
// INVOICES AND PAYMENTS
// =============================================================================

// LineItemRequest is one charge on a new invoice.
type LineItemRequest struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
}

// CreateInvoiceRequest creates an invoice.
type CreateInvoiceRequest struct {
	FamilyID         string            `json:"family_id"`
	EnrolmentID      string            `json:"enrolment_id,omitempty"`
	Status           string            `json:"status,omitempty"` // draft (default) or sent
	IssuedAt         string            `json:"issued_at,omitempty"`
	DueAt            string            `json:"due_at"`
	CoverageStart    string            `json:"coverage_start,omitempty"`
	CoverageEnd      string            `json:"coverage_end,omitempty"`
	CreditsPurchased int               `json:"credits_purchased,omitempty"`
	LineItems        []LineItemRequest `json:"line_items"`
}

// InvoiceDTO is an invoice in API responses.
type InvoiceDTO struct {
	ID               string        `json:"id"`
	FamilyID         string        `json:"family_id"`
	EnrolmentID      string        `json:"enrolment_id,omitempty"`
	AmountCents      int64         `json:"amount_cents"`
	AmountPaidCents  int64         `json:"amount_paid_cents"`
	Status           string        `json:"status"`
	IssuedAt         string        `json:"issued_at"`
	DueAt            string        `json:"due_at"`
	CoverageStart    *string       `json:"coverage_start"`
	CoverageEnd      *string       `json:"coverage_end"`
	CreditsPurchased int           `json:"credits_purchased,omitempty"`
	LineItems        []LineItemDTO `json:"line_items"`
}

// LineItemDTO is one charge on an invoice.
type LineItemDTO struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	items := make([]LineItemDTO, len(inv.LineItems))
	for i, li := range inv.LineItems {
		items[i] = LineItemDTO{ID: li.ID, Description: li.Description, AmountCents: li.AmountCents}
	}
	return InvoiceDTO{
		ID:               inv.ID,
		FamilyID:         inv.FamilyID,
		EnrolmentID:      inv.EnrolmentID,
		AmountCents:      inv.AmountCents,
		AmountPaidCents:  inv.AmountPaidCents,
		Status:           string(inv.Status),
		IssuedAt:         inv.IssuedAt.String(),
		DueAt:            inv.DueAt.String(),
		CoverageStart:    dayString(inv.CoverageStart),
		CoverageEnd:      dayString(inv.CoverageEnd),
		CreditsPurchased: inv.CreditsPurchased,
		LineItems:        items,
	}
}

// AllocationRequest applies part of a payment to a named invoice.
type AllocationRequest struct {
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
}

// CreatePaymentRequest records a payment.
type CreatePaymentRequest struct {
	FamilyID       string              `json:"family_id"`
	AmountCents    int64               `json:"amount_cents"`
	PaidAt         string              `json:"paid_at,omitempty"`
	Method         string              `json:"method,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Allocations    []AllocationRequest `json:"allocations,omitempty"`
	Strategy       string              `json:"strategy,omitempty"` // "" or oldest_open_first
}

// PaymentDTO is a payment in API responses.
type PaymentDTO struct {
	ID          string          `json:"id"`
	FamilyID    string          `json:"family_id"`
	AmountCents int64           `json:"amount_cents"`
	PaidAt      string          `json:"paid_at"`
	Method      string          `json:"method,omitempty"`
	Status      string          `json:"status"`
	Allocations []AllocationDTO `json:"allocations,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
}

// AllocationDTO is one payment-to-invoice assignment.
type AllocationDTO struct {
	ID          string `json:"id"`
	InvoiceID   string `json:"invoice_id"`
	AmountCents int64  `json:"amount_cents"`
	Reversed    bool   `json:"reversed,omitempty"`
}

func toPaymentDTO(p billing.Payment, allocs []billing.Allocation, replayed bool) PaymentDTO {
	dto := PaymentDTO{
		ID:          p.ID,
		FamilyID:    p.FamilyID,
		AmountCents: p.AmountCents,
		PaidAt:      p.PaidAt.String(),
		Method:      p.Method,
		Status:      string(p.Status),
		Replayed:    replayed,
	}
	for _, a := range allocs {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			ID:          a.ID,
			InvoiceID:   a.InvoiceID,
			AmountCents: a.AmountCents,
			Reversed:    !a.Active(),
		})
	}
	return dto
}

// =============================================================================
// CALENDAR ADMIN
// =============================================================================

// HolidayRequest creates or updates a holiday closure.
type HolidayRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	Start      string `json:"start"`
	End        string `json:"end"`
	LevelID    string `json:"level_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`

	ConfirmShorten bool `json:"confirm_shorten"`
}

// CancellationRequest cancels one occurrence of one template.
type CancellationRequest struct {
	ID         string `json:"id,omitempty"`
	TemplateID string `json:"template_id"`
	Date       string `json:"date"`
	Reason     string `json:"reason,omitempty"`
}

// RecalcOutcomeDTO reports one enrolment's recalculation after a calendar
// mutation.
type RecalcOutcomeDTO struct {
	EnrolmentID string  `json:"enrolment_id"`
	PaidThrough *string `json:"paid_through,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// CalendarMutationDTO is the response to a holiday/cancellation change.
type CalendarMutationDTO struct {
	ID      string             `json:"id"`
	Recalcs []RecalcOutcomeDTO `json:"recalcs"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the uniform error shape.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details string         `json:"details,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func dayString(d *calendar.DayKey) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
