/*
changeover.go - Mid-period plan and class changes

PURPOSE:
  A change closes the current enrolment row at the day before the
  changeover and opens a successor row linked through the billing group.
  The remaining paid window is settled: chargeable classes are valued under
  both plans and the difference becomes a supplementary invoice (owing) or
  an unallocated credit payment (in credit).

ROW LIFECYCLE:
  old row  -> status changeover, end = changeover - 1 day
  new row  -> starts at the changeover, carries the settled entitlement
              (weekly: chargeable session count; credit: balance transfer)

ORDERING:
  All validation - capacity, would-shorten, settlement replay - happens
  before the first write. A rejected change leaves no partial state.
*/
package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
)

// =============================================================================
// CHANGE OPERATION
// =============================================================================

// ChangeInput describes one plan/class change.
type ChangeInput struct {
	EnrolmentID    string
	NewPlanID      string
	NewTemplateIDs []string
	ChangeoverDate calendar.DayKey

	// ConfirmShorten accepts a successor paid-through earlier than the
	// current one.
	ConfirmShorten bool

	// AllowCapacityOverload admits the student past a full class.
	AllowCapacityOverload bool

	ActorID string
}

// ChangeResult is the outcome of a change.
type ChangeResult struct {
	OldEnrolmentID string
	NewEnrolmentID string
	Settlement     Settlement

	// Replayed is true when the settlement key matched a prior change and
	// nothing was written.
	Replayed bool
}

// ChangeEnrolment applies a plan/class change at the changeover date. The
// operation is idempotent on its settlement key: repeating the same change
// returns the original result.
func (s *Service) ChangeEnrolment(ctx context.Context, in ChangeInput) (*ChangeResult, error) {
	enr, err := s.Enrolments.GetEnrolment(ctx, in.EnrolmentID)
	if err != nil {
		return nil, err
	}
	if in.ChangeoverDate.Before(enr.Start) {
		return nil, enrolment.Validatef("changeoverDate",
			"changeover %s precedes enrolment start %s", in.ChangeoverDate, enr.Start)
	}
	if len(in.NewTemplateIDs) == 0 {
		return nil, enrolment.Validatef("newTemplateIds", "at least one class required")
	}

	// Replay check before the status gate: retrying the change that
	// superseded this row must return the original result, not an error.
	key := SettlementKey(enr.ID, in.NewPlanID, in.ChangeoverDate, enr.PaidThrough, in.NewTemplateIDs)
	if prior, err := s.Settlements.GetSettlement(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		return &ChangeResult{
			OldEnrolmentID: enr.ID,
			NewEnrolmentID: prior.NewEnrolmentID,
			Settlement:     *prior,
			Replayed:       true,
		}, nil
	}

	// Only active rows can change. A superseded row changing again would
	// chain a second successor off the same billing group.
	if enr.Status != enrolment.StatusActive {
		return nil, enrolment.Validatef("enrolmentId",
			"enrolment %s is %s; only active enrolments can change plan", enr.ID, enr.Status)
	}

	oldPlan, err := s.Plans.GetPlan(ctx, enr.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := s.Plans.GetPlan(ctx, in.NewPlanID)
	if err != nil {
		return nil, err
	}

	// Successor row, validated and measured before anything is written.
	successor := enrolment.Enrolment{
		ID:             uuid.NewString(),
		StudentID:      enr.StudentID,
		FamilyID:       enr.FamilyID,
		PlanID:         newPlan.ID,
		BillingType:    newPlan.BillingType,
		TemplateIDs:    append([]string(nil), in.NewTemplateIDs...),
		Start:          in.ChangeoverDate,
		End:            enr.End,
		Status:         enrolment.StatusActive,
		BillingGroupID: enr.BillingGroupID,
		CreatedAt:      s.now(),
	}
	if successor.BillingGroupID == "" {
		successor.BillingGroupID = enr.ID
	}

	newTemplates, newSkip, err := s.Selector.Schedule(ctx, successor)
	if err != nil {
		return nil, err
	}
	if err := s.checkCapacity(ctx, newTemplates, enr.TemplateIDs, in.ChangeoverDate, in.AllowCapacityOverload); err != nil {
		return nil, err
	}

	oldTemplates, oldSkip, err := s.Selector.Schedule(ctx, *enr)
	if err != nil {
		return nil, err
	}
	chargeable, err := ChargeableClasses(oldTemplates, oldSkip, in.ChangeoverDate, enr.PaidThrough)
	if err != nil {
		return nil, err
	}

	settlement := Settlement{
		Key:            key,
		EnrolmentID:    enr.ID,
		NewEnrolmentID: successor.ID,
		NewPlanID:      newPlan.ID,
		ChangeoverDate: in.ChangeoverDate,
		PaidThrough:    enr.PaidThrough,
		TemplateIDs:    append([]string(nil), in.NewTemplateIDs...),
		CreatedAt:      s.now(),
	}

	switch enr.BillingType {
	case enrolment.BillingPerWeek:
		settlement.ChargeableClasses = chargeable
		settlement.OldValueCents, settlement.NewValueCents, settlement.DifferenceCents =
			ComputeSettlement(*oldPlan, *newPlan, chargeable)

		successor.PaidSessions = chargeable
		res, err := coverage.ComputeWeekly(coverage.WeeklyInput{
			Start:           successor.Start,
			End:             successor.End,
			Templates:       newTemplates,
			Skip:            newSkip,
			Sessions:        chargeable,
			SessionsPerWeek: newPlan.SessionsPerWeek,
		})
		if err != nil {
			return nil, err
		}
		if shortensChange(enr.PaidThrough, res.PaidThrough) && !in.ConfirmShorten {
			return nil, &coverage.WouldShortenError{
				EnrolmentID: enr.ID,
				Old:         *enr.PaidThrough,
				New:         res.PaidThrough,
			}
		}
		successor.PaidThrough = res.PaidThrough
		successor.PaidThroughComputed = res.PaidThrough

	case enrolment.BillingPerClass:
		// Credits move at face value between the rows; no monetary
		// settlement is raised for a credit-plan source.

	default:
		return nil, invariantf("change enrolment", "unknown billing type %q", enr.BillingType)
	}

	result := &ChangeResult{OldEnrolmentID: enr.ID, NewEnrolmentID: successor.ID}
	err = s.withTx(ctx, func() error {
		dayBefore := in.ChangeoverDate.AddDays(-1)
		enr.Status = enrolment.StatusChangeover
		enr.End = &dayBefore
		if err := s.Enrolments.SaveEnrolment(ctx, *enr); err != nil {
			return err
		}
		if err := s.Enrolments.SaveEnrolment(ctx, successor); err != nil {
			return err
		}

		if enr.BillingType == enrolment.BillingPerClass {
			if err := s.transferCredits(ctx, enr.ID, successor.ID, key); err != nil {
				return err
			}
		}

		if err := s.raiseSettlement(ctx, &settlement, *enr, successor); err != nil {
			return err
		}
		if err := s.Settlements.SaveSettlement(ctx, settlement); err != nil {
			return err
		}

		audit := coverage.Audit{
			ID:          uuid.NewString(),
			EnrolmentID: successor.ID,
			Reason:      coverage.ReasonPlanChanged,
			Previous:    enr.PaidThrough,
			Next:        successor.PaidThrough,
			ActorID:     in.ActorID,
			CreatedAt:   s.now(),
		}
		if err := s.Audits.AppendAudit(ctx, audit); err != nil {
			return err
		}

		result.Settlement = settlement
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Refresh the successor's derived caches outside the write path.
	if _, err := s.Selector.Snapshot(ctx, successor.ID, s.today()); err != nil {
		return nil, err
	}
	return result, nil
}

// checkCapacity refuses templates already at capacity on the changeover
// date. Templates the student already attends do not count against them.
func (s *Service) checkCapacity(ctx context.Context, templates []calendar.Template, currentIDs []string, on calendar.DayKey, allowOverload bool) error {
	current := make(map[string]bool, len(currentIDs))
	for _, id := range currentIDs {
		current[id] = true
	}
	for _, t := range templates {
		if t.Capacity <= 0 || current[t.ID] {
			continue
		}
		active, err := s.Enrolments.CountActiveByTemplate(ctx, t.ID, on)
		if err != nil {
			return err
		}
		if active+1 > t.Capacity && !allowOverload {
			return &CapacityError{
				TemplateID: t.ID,
				Date:       on,
				Capacity:   t.Capacity,
				Current:    active,
				Projected:  active + 1,
			}
		}
	}
	return nil
}

// transferCredits moves the old row's credit balance to the successor with
// a paired adjustment, keyed off the settlement key.
func (s *Service) transferCredits(ctx context.Context, fromID, toID, key string) error {
	balance, err := s.Credits.Balance(ctx, fromID)
	if err != nil {
		return err
	}
	if balance == 0 {
		return nil
	}
	out := ledger.Event{
		EnrolmentID:    fromID,
		Type:           ledger.EventManualAdjust,
		Delta:          -balance,
		OccurredOn:     s.today(),
		ReferenceID:    toID,
		Reason:         "plan change transfer out",
		IdempotencyKey: "changeover:" + key + ":out",
		CreatedAt:      s.now(),
	}
	in := ledger.Event{
		EnrolmentID:    toID,
		Type:           ledger.EventManualAdjust,
		Delta:          balance,
		OccurredOn:     s.today(),
		ReferenceID:    fromID,
		Reason:         "plan change transfer in",
		IdempotencyKey: "changeover:" + key + ":in",
		CreatedAt:      s.now(),
	}
	if err := s.Credits.Append(ctx, out); err != nil {
		return err
	}
	return s.Credits.Append(ctx, in)
}

// raiseSettlement turns a non-zero difference into a supplementary invoice
// (family owes) or an unallocated credit payment (family is owed).
func (s *Service) raiseSettlement(ctx context.Context, settlement *Settlement, old, successor enrolment.Enrolment) error {
	switch {
	case settlement.DifferenceCents > 0:
		inv := Invoice{
			ID:          uuid.NewString(),
			FamilyID:    old.FamilyID,
			EnrolmentID: successor.ID,
			Status:      StatusSent,
			IssuedAt:    s.today(),
			DueAt:       settlement.ChangeoverDate,
			LineItems: []LineItem{{
				ID:          uuid.NewString(),
				Description: "plan change settlement",
				AmountCents: settlement.DifferenceCents,
			}},
			CreatedAt: s.now(),
		}
		inv.LineItems[0].InvoiceID = inv.ID
		inv.RecomputeAmount()
		if err := s.Invoices.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		settlement.InvoiceID = inv.ID

	case settlement.DifferenceCents < 0:
		pay := Payment{
			ID:             uuid.NewString(),
			FamilyID:       old.FamilyID,
			AmountCents:    -settlement.DifferenceCents,
			PaidAt:         s.today(),
			Method:         "settlement-credit",
			Status:         PaymentActive,
			IdempotencyKey: "settlement:" + settlement.Key,
			CreatedAt:      s.now(),
		}
		if err := s.Payments.SavePayment(ctx, pay); err != nil {
			return err
		}
		settlement.PaymentID = pay.ID
	}
	return nil
}

func shortensChange(prev, proposed *calendar.DayKey) bool {
	if prev == nil {
		return false
	}
	if proposed == nil {
		return true
	}
	return proposed.Before(*prev)
}
