/*
snapshot.go - The single read path for enrolment coverage

PURPOSE:
  Snapshot is the one place that turns an enrolment into
  {paidThrough, nextDue, remainingCredits}. Every other component reads
  coverage through the selector, never through the cached fields on the
  enrolment row - the caches exist for listing screens and are overwritten
  here on every read.

BRANCHING:
  per_week  -> walk the paid session entitlement across the schedule
  per_class -> backfill consumption, recompute the ledger balance, project

CACHE DISCIPLINE:
  PaidThroughComputed and CreditsBalanceCached are pure derived views:
  recomputed from source and overwritten, never read-modify-written.
*/
package coverage

import (
	"context"
	"fmt"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
)

// Snapshot is the coverage view of one enrolment at one day.
type Snapshot struct {
	EnrolmentID string
	AsOf        calendar.DayKey

	PaidThrough        *calendar.DayKey
	NextDue            *calendar.DayKey
	RemainingCredits   int
	CoveredOccurrences int
}

// Selector computes snapshots. It is the only component allowed to write
// the derived cache fields on the enrolment row.
type Selector struct {
	Enrolments enrolment.Store
	Plans      enrolment.PlanStore
	Templates  enrolment.TemplateStore
	Calendar   enrolment.CalendarStore
	Credits    *ledger.Ledger
}

// Snapshot recomputes coverage for the enrolment as of the given day and
// persists the cache fields.
func (s *Selector) Snapshot(ctx context.Context, enrolmentID string, asOf calendar.DayKey) (Snapshot, error) {
	enr, err := s.Enrolments.GetEnrolment(ctx, enrolmentID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshotFor(ctx, *enr, asOf)
}

func (s *Selector) snapshotFor(ctx context.Context, enr enrolment.Enrolment, asOf calendar.DayKey) (Snapshot, error) {
	plan, err := s.Plans.GetPlan(ctx, enr.PlanID)
	if err != nil {
		return Snapshot{}, err
	}

	templates, skip, err := s.Schedule(ctx, enr)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{EnrolmentID: enr.ID, AsOf: asOf}

	switch enr.BillingType {
	case enrolment.BillingPerClass:
		proj, err := s.Credits.Project(ctx, enr, templates, skip, asOf, plan.SessionsPerWeek)
		if err != nil {
			return Snapshot{}, err
		}
		snap.PaidThrough = proj.PaidThrough
		snap.NextDue = proj.NextDue
		snap.RemainingCredits = proj.Remaining
		snap.CoveredOccurrences = proj.Covered

	case enrolment.BillingPerWeek:
		sessions := enr.PaidSessions
		if sessions == 0 && enr.PaidThrough != nil {
			// Seed the entitlement from the explicit date when it was set
			// before the engine started tracking session counts.
			sessions, err = SessionsBetween(templates, skip, enr.Start, *enr.PaidThrough)
			if err != nil {
				return Snapshot{}, err
			}
		}
		res, err := ComputeWeekly(WeeklyInput{
			Start:           enr.Start,
			End:             enr.End,
			Templates:       templates,
			Skip:            skip,
			Sessions:        sessions,
			SessionsPerWeek: plan.SessionsPerWeek,
		})
		if err != nil {
			return Snapshot{}, err
		}
		snap.PaidThrough = res.PaidThrough
		snap.NextDue = res.NextDue
		snap.CoveredOccurrences = res.Covered

	default:
		return Snapshot{}, fmt.Errorf("unknown billing type %q", enr.BillingType)
	}

	// Overwrite the derived caches. Recompute-and-overwrite, never patch.
	enr.PaidThroughComputed = snap.PaidThrough
	enr.CreditsBalanceCached = snap.RemainingCredits
	if err := s.Enrolments.SaveEnrolment(ctx, enr); err != nil {
		return Snapshot{}, fmt.Errorf("persist coverage cache: %w", err)
	}

	return snap, nil
}

// Schedule resolves the enrolment's templates and the combined closure
// predicate (holidays within scope plus per-occurrence cancellations).
func (s *Selector) Schedule(ctx context.Context, enr enrolment.Enrolment) ([]calendar.Template, calendar.SkipFunc, error) {
	templates := make([]calendar.Template, 0, len(enr.TemplateIDs))
	for _, id := range enr.TemplateIDs {
		t, err := s.Templates.GetTemplate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		templates = append(templates, *t)
	}

	holidays, err := s.Calendar.ListHolidays(ctx)
	if err != nil {
		return nil, nil, err
	}
	cancellations, err := s.Calendar.ListCancellations(ctx, enr.TemplateIDs)
	if err != nil {
		return nil, nil, err
	}

	skip := calendar.CombineSkips(
		calendar.HolidaySkip(holidays, templates),
		calendar.CancellationSkip(cancellations),
	)
	return templates, skip, nil
}
