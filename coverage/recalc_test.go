package coverage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
	"github.com/brightwave/enrolment-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	store    *memory.Store
	credits  *ledger.Ledger
	selector *coverage.Selector
	recalc   *coverage.Recalculator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	credits := ledger.New(store)
	selector := &coverage.Selector{
		Enrolments: store,
		Plans:      store,
		Templates:  store,
		Calendar:   store,
		Credits:    credits,
	}
	return &fixture{
		store:    store,
		credits:  credits,
		selector: selector,
		recalc: &coverage.Recalculator{
			Selector:   selector,
			Enrolments: store,
			Audits:     store,
		},
	}
}

// seedWeekly installs a Monday template, a weekly plan and an active weekly
// enrolment starting 2026-01-12 with the given paid session entitlement.
func (f *fixture) seedWeekly(t *testing.T, paidSessions int, paidThrough *calendar.DayKey) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveTemplate(ctx, monday("mon")))
	require.NoError(t, f.store.SavePlan(ctx, enrolment.Plan{
		ID:              "plan-weekly",
		Name:            "Weekly",
		BillingType:     enrolment.BillingPerWeek,
		PriceCents:      2500,
		SessionsPerWeek: 1,
	}))
	require.NoError(t, f.store.SaveEnrolment(ctx, enrolment.Enrolment{
		ID:           "enr-1",
		StudentID:    "student-1",
		FamilyID:     "family-1",
		PlanID:       "plan-weekly",
		BillingType:  enrolment.BillingPerWeek,
		TemplateIDs:  []string{"mon"},
		Start:        day("2026-01-12"),
		Status:       enrolment.StatusActive,
		PaidSessions: paidSessions,
		PaidThrough:  paidThrough,
	}))
}

func (f *fixture) addHoliday(t *testing.T, id, start, end string) {
	t.Helper()
	require.NoError(t, f.store.SaveHoliday(context.Background(), calendar.Holiday{
		ID: id, Start: day(start), End: day(end),
	}))
}

func ptr(d calendar.DayKey) *calendar.DayKey { return &d }

// =============================================================================
// SNAPSHOT SELECTOR
// =============================================================================

func TestSnapshot_WeeklyBranchWalksEntitlement(t *testing.T) {
	// GIVEN: a weekly enrolment with 8 paid sessions from 2026-01-12 and a
	//        holiday closing 2026-01-26
	// WHEN: taking a snapshot
	// THEN: paid through 2026-03-09, and the caches are persisted

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 8, nil)
	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	snap, err := f.selector.Snapshot(ctx, "enr-1", day("2026-01-12"))
	require.NoError(t, err)

	require.NotNil(t, snap.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *snap.PaidThrough)
	require.NotNil(t, snap.NextDue)
	assert.Equal(t, day("2026-03-16"), *snap.NextDue)

	enr, err := f.store.GetEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, enr.PaidThroughComputed)
	assert.Equal(t, day("2026-03-09"), *enr.PaidThroughComputed)
}

func TestSnapshot_WeeklySeedsEntitlementFromExplicitDate(t *testing.T) {
	// GIVEN: a weekly enrolment with no session count but an explicit
	//        paid-through of 2026-02-02
	// WHEN: taking a snapshot
	// THEN: the entitlement is derived from the explicit date (4 Mondays)

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 0, ptr(day("2026-02-02")))

	snap, err := f.selector.Snapshot(ctx, "enr-1", day("2026-01-12"))
	require.NoError(t, err)

	require.NotNil(t, snap.PaidThrough)
	assert.Equal(t, day("2026-02-02"), *snap.PaidThrough)
	assert.Equal(t, 4, snap.CoveredOccurrences)
}

func TestSnapshot_PerClassBranchProjectsLedger(t *testing.T) {
	// GIVEN: a per-class enrolment starting 2026-01-05 with 4 purchased
	//        credits and a holiday closing the Mondays Jan 12-26
	// WHEN: taking a snapshot as of the start day
	// THEN: the credits reach 2026-02-23 and the balance cache is written

	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveTemplate(ctx, monday("mon")))
	require.NoError(t, f.store.SavePlan(ctx, enrolment.Plan{
		ID:              "plan-block",
		Name:            "4-class block",
		BillingType:     enrolment.BillingPerClass,
		PriceCents:      10000,
		SessionsPerWeek: 1,
		BlockClassCount: 4,
	}))
	require.NoError(t, f.store.SaveEnrolment(ctx, enrolment.Enrolment{
		ID:          "enr-credit",
		StudentID:   "student-1",
		FamilyID:    "family-1",
		PlanID:      "plan-block",
		BillingType: enrolment.BillingPerClass,
		TemplateIDs: []string{"mon"},
		Start:       day("2026-01-05"),
		Status:      enrolment.StatusActive,
	}))
	f.addHoliday(t, "summer", "2026-01-12", "2026-01-26")
	require.NoError(t, f.credits.Append(ctx, ledger.Event{
		EnrolmentID: "enr-credit",
		Type:        ledger.EventPurchase,
		Delta:       4,
		OccurredOn:  day("2026-01-05"),
	}))

	snap, err := f.selector.Snapshot(ctx, "enr-credit", day("2026-01-05"))
	require.NoError(t, err)

	require.NotNil(t, snap.PaidThrough)
	assert.Equal(t, day("2026-02-23"), *snap.PaidThrough)
	require.NotNil(t, snap.NextDue)
	assert.Equal(t, day("2026-03-02"), *snap.NextDue)
	assert.Equal(t, 0, snap.RemainingCredits)

	enr, err := f.store.GetEnrolment(ctx, "enr-credit")
	require.NoError(t, err)
	assert.Equal(t, 0, enr.CreditsBalanceCached)
	require.NotNil(t, enr.PaidThroughComputed)
	assert.Equal(t, day("2026-02-23"), *enr.PaidThroughComputed)
}

// =============================================================================
// NON-REGRESSION GUARD
// =============================================================================

func TestRecalculate_AcceptsLongerCoverage(t *testing.T) {
	// GIVEN: an explicit paid-through of 2026-02-23 but 8 paid sessions
	// WHEN: recalculating
	// THEN: the longer date is accepted and audited

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 8, ptr(day("2026-02-23")))
	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	snap, err := f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonPaidThroughManualEdit, day("2026-01-12"), coverage.Options{ActorID: "admin"})
	require.NoError(t, err)
	require.NotNil(t, snap.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *snap.PaidThrough)

	enr, err := f.store.GetEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, enr.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *enr.PaidThrough)

	audits, err := f.store.AuditsByEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, coverage.ReasonPaidThroughManualEdit, audits[0].Reason)
	assert.Equal(t, day("2026-02-23"), *audits[0].Previous)
	assert.Equal(t, day("2026-03-09"), *audits[0].Next)
	assert.Equal(t, "admin", audits[0].ActorID)
}

func TestRecalculate_RejectsShorteningWithoutConfirmation(t *testing.T) {
	// GIVEN: an explicit paid-through of 2026-03-09 but only 6 paid sessions
	// WHEN: recalculating without confirmation
	// THEN: WouldShortenError carrying both dates, nothing written

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 6, ptr(day("2026-03-09")))
	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	_, err := f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonPaidThroughManualEdit, day("2026-01-12"), coverage.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, coverage.ErrWouldShorten))

	var wse *coverage.WouldShortenError
	require.True(t, errors.As(err, &wse))
	assert.Equal(t, "enr-1", wse.EnrolmentID)
	assert.Equal(t, day("2026-03-09"), wse.Old)
	require.NotNil(t, wse.New)
	assert.Equal(t, day("2026-02-23"), *wse.New)

	enr, err := f.store.GetEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, enr.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *enr.PaidThrough, "explicit date untouched")

	audits, err := f.store.AuditsByEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestRecalculate_AcceptsShorteningWhenConfirmed(t *testing.T) {
	// GIVEN: the same shortening scenario
	// WHEN: the caller confirms
	// THEN: the shorter date is written and audited

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 6, ptr(day("2026-03-09")))
	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	snap, err := f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonPaidThroughManualEdit, day("2026-01-12"), coverage.Options{ConfirmShorten: true})
	require.NoError(t, err)
	require.NotNil(t, snap.PaidThrough)
	assert.Equal(t, day("2026-02-23"), *snap.PaidThrough)

	enr, err := f.store.GetEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, enr.PaidThrough)
	assert.Equal(t, day("2026-02-23"), *enr.PaidThrough)

	audits, err := f.store.AuditsByEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, day("2026-03-09"), *audits[0].Previous)
	assert.Equal(t, day("2026-02-23"), *audits[0].Next)
}

func TestRecalculate_FreezeReasonsRetainThePriorDate(t *testing.T) {
	// GIVEN: a shortening recalculation triggered by a payment-truth event
	// WHEN: recalculating with a freezing reason
	// THEN: no error, the explicit date stays, no audit; the computed cache
	//       still records the shorter value

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 6, ptr(day("2026-03-09")))
	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	snap, err := f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonCancellationCreated, day("2026-01-12"), coverage.Options{})
	require.NoError(t, err)
	require.NotNil(t, snap.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *snap.PaidThrough, "snapshot reports the frozen value")

	enr, err := f.store.GetEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, enr.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *enr.PaidThrough)
	require.NotNil(t, enr.PaidThroughComputed)
	assert.Equal(t, day("2026-02-23"), *enr.PaidThroughComputed)

	audits, err := f.store.AuditsByEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestRecalculate_NoAuditWhenNothingChanges(t *testing.T) {
	// GIVEN: the explicit date already matches the computed one
	// WHEN: recalculating
	// THEN: no audit row is appended

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 8, ptr(day("2026-03-09")))
	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	_, err := f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonHolidayAdded, day("2026-01-12"), coverage.Options{})
	require.NoError(t, err)

	audits, err := f.store.AuditsByEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	assert.Empty(t, audits)
}

func TestRecalculate_HolidayExtendsCoverage(t *testing.T) {
	// GIVEN: 8 paid sessions with no explicit paid-through yet
	// WHEN: a holiday lands inside the window and coverage is recalculated
	// THEN: coverage moves forward by one occurrence and is audited

	ctx := context.Background()
	f := newFixture(t)
	f.seedWeekly(t, 8, nil)

	snap, err := f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonPaidThroughManualEdit, day("2026-01-12"), coverage.Options{})
	require.NoError(t, err)
	assert.Equal(t, day("2026-03-02"), *snap.PaidThrough)

	f.addHoliday(t, "australia-day", "2026-01-26", "2026-01-26")

	snap, err = f.recalc.Recalculate(ctx, "enr-1", coverage.ReasonHolidayAdded, day("2026-01-12"), coverage.Options{})
	require.NoError(t, err)
	assert.Equal(t, day("2026-03-09"), *snap.PaidThrough)

	audits, err := f.store.AuditsByEnrolment(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, coverage.ReasonHolidayAdded, audits[1].Reason)
}
