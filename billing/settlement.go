/*
settlement.go - Plan/class change settlement arithmetic

PURPOSE:
  When a student changes plan or class mid-period, the unused value of the
  old plan and the equivalent value of the new plan over the remaining paid
  window rarely match. The difference is settled as a supplementary invoice
  line (owing) or a credit payment (in credit).

ARITHMETIC:
  chargeableClasses = scheduled, non-closed occurrences of the OLD template
                      set in [changeoverDate, paidThrough]
  costPerClass      = plan price / plan class count, kept as an unrounded
                      decimal
  value             = round(chargeableClasses * costPerClass)  [cents]
  difference        = newValue - oldValue

  Rounding happens after the multiplication, never per unit, so switching
  A->B and B->A on the same day are exact mirrors.

IDEMPOTENCY:
  The settlement key is a SHA-256 over the operation-defining tuple
  (enrolment, new plan, changeover date, paid-through, sorted templates).
  Re-invocation with the same key returns the stored prior result.
*/
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
)

// =============================================================================
// SETTLEMENT RECORD
// =============================================================================

// Settlement records one applied plan/class change settlement.
type Settlement struct {
	Key string

	EnrolmentID    string
	NewEnrolmentID string
	NewPlanID      string
	ChangeoverDate calendar.DayKey
	PaidThrough    *calendar.DayKey
	TemplateIDs    []string

	ChargeableClasses int
	OldValueCents     int64
	NewValueCents     int64
	DifferenceCents   int64

	// Exactly one of these is set for a non-zero difference.
	InvoiceID string
	PaymentID string

	CreatedAt time.Time
}

// SettlementStore persists applied settlements keyed by content address.
type SettlementStore interface {
	GetSettlement(ctx context.Context, key string) (*Settlement, error) // nil when absent
	SaveSettlement(ctx context.Context, s Settlement) error
}

// =============================================================================
// KEY AND ARITHMETIC
// =============================================================================

// SettlementKey derives the content-addressed idempotency key for one
// settlement. Template IDs are sorted so assignment order is irrelevant.
func SettlementKey(enrolmentID, newPlanID string, changeover calendar.DayKey, paidThrough *calendar.DayKey, templateIDs []string) string {
	ids := append([]string(nil), templateIDs...)
	sort.Strings(ids)

	pt := "none"
	if paidThrough != nil {
		pt = paidThrough.String()
	}

	payload := strings.Join([]string{
		enrolmentID, newPlanID, changeover.String(), pt, strings.Join(ids, ","),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// PlanValueCents returns round(chargeable * costPerClass) in cents, rounding
// half away from zero after the multiplication.
func PlanValueCents(p enrolment.Plan, chargeable int) int64 {
	return p.CostPerClass().Mul(decimal.NewFromInt(int64(chargeable))).Round(0).IntPart()
}

// ComputeSettlement returns the old value, new value and signed difference
// for the chargeable class count. Positive difference = family owes money.
func ComputeSettlement(oldPlan, newPlan enrolment.Plan, chargeable int) (oldValue, newValue, difference int64) {
	oldValue = PlanValueCents(oldPlan, chargeable)
	newValue = PlanValueCents(newPlan, chargeable)
	return oldValue, newValue, newValue - oldValue
}

// ChargeableClasses counts the scheduled, non-closed occurrences of the old
// template set in [changeover, paidThrough]. Zero when the changeover lands
// after the paid window.
func ChargeableClasses(templates []calendar.Template, skip calendar.SkipFunc, changeover calendar.DayKey, paidThrough *calendar.DayKey) (int, error) {
	if paidThrough == nil || changeover.After(*paidThrough) {
		return 0, nil
	}
	until := *paidThrough
	return calendar.CountOccurrences(calendar.WalkConfig{
		Templates: templates,
		From:      changeover,
		Until:     &until,
		Skip:      skip,
	})
}
