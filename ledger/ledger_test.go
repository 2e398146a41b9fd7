package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
	"github.com/brightwave/enrolment-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(s string) calendar.DayKey { return calendar.MustDayKey(s) }

func mondayTemplate(id string) calendar.Template {
	return calendar.Template{ID: id, Weekday: int(time.Monday), StartTime: "16:00"}
}

func creditEnrolment(id string, start calendar.DayKey) enrolment.Enrolment {
	return enrolment.Enrolment{
		ID:          id,
		StudentID:   "student-1",
		FamilyID:    "family-1",
		PlanID:      "plan-1",
		BillingType: enrolment.BillingPerClass,
		TemplateIDs: []string{"mon"},
		Start:       start,
		Status:      enrolment.StatusActive,
	}
}

// =============================================================================
// APPEND AND BALANCE
// =============================================================================

func TestLedger_Append_SilentlySkipsDuplicateKey(t *testing.T) {
	// GIVEN: an event already appended under a key
	// WHEN: appending the same key again
	// THEN: no error, no second event

	ctx := context.Background()
	l := ledger.New(memory.New())

	ev := ledger.Event{
		EnrolmentID:    "enr-1",
		Type:           ledger.EventPurchase,
		Delta:          4,
		OccurredOn:     day("2026-01-05"),
		IdempotencyKey: "invoice:inv-1:purchase:0",
	}
	require.NoError(t, l.Append(ctx, ev))
	require.NoError(t, l.Append(ctx, ev))

	evs, err := l.Events(ctx, "enr-1")
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	balance, err := l.Balance(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance)
}

func TestLedger_Balance_IsSignedSumOfEvents(t *testing.T) {
	// GIVEN: purchases, consumption, a cancellation credit and an adjustment
	// WHEN: recomputing the balance
	// THEN: the balance is the signed sum, and as-of queries cut by day

	ctx := context.Background()
	l := ledger.New(memory.New())

	events := []ledger.Event{
		{EnrolmentID: "enr-1", Type: ledger.EventPurchase, Delta: 10, OccurredOn: day("2026-01-05")},
		{EnrolmentID: "enr-1", Type: ledger.EventConsume, Delta: -1, OccurredOn: day("2026-01-12")},
		{EnrolmentID: "enr-1", Type: ledger.EventConsume, Delta: -1, OccurredOn: day("2026-01-19")},
		{EnrolmentID: "enr-1", Type: ledger.EventCancellationCredit, Delta: 1, OccurredOn: day("2026-01-19")},
		{EnrolmentID: "enr-1", Type: ledger.EventManualAdjust, Delta: -2, OccurredOn: day("2026-02-02")},
	}
	for _, ev := range events {
		require.NoError(t, l.Append(ctx, ev))
	}

	balance, err := l.Balance(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, 7, balance)

	asOf, err := l.BalanceAsOf(ctx, "enr-1", day("2026-01-19"))
	require.NoError(t, err)
	assert.Equal(t, 9, asOf, "the February adjustment is after the as-of day")
}

// =============================================================================
// BACKFILL
// =============================================================================

func TestBackfill_ConsumesEachElapsedOccurrenceOnce(t *testing.T) {
	// GIVEN: a Monday enrolment started 2026-01-05, observed on 2026-02-02
	// WHEN: backfilling twice
	// THEN: four CONSUME events the first time (the as-of day excluded),
	//       zero the second

	ctx := context.Background()
	l := ledger.New(memory.New())
	enr := creditEnrolment("enr-1", day("2026-01-05"))
	templates := []calendar.Template{mondayTemplate("mon")}

	appended, err := l.BackfillConsumption(ctx, enr, templates, calendar.SkipNone, day("2026-02-02"))
	require.NoError(t, err)
	assert.Equal(t, 4, appended) // Jan 5, 12, 19, 26

	appended, err = l.BackfillConsumption(ctx, enr, templates, calendar.SkipNone, day("2026-02-02"))
	require.NoError(t, err)
	assert.Equal(t, 0, appended)

	balance, err := l.Balance(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, -4, balance)
}

func TestBackfill_SkipsClosedOccurrences(t *testing.T) {
	// GIVEN: a holiday closing 2026-01-19
	// WHEN: backfilling to 2026-02-02
	// THEN: the closed Monday is not consumed

	ctx := context.Background()
	l := ledger.New(memory.New())
	enr := creditEnrolment("enr-1", day("2026-01-05"))
	templates := []calendar.Template{mondayTemplate("mon")}
	skip := calendar.HolidaySkip([]calendar.Holiday{
		{ID: "hol-1", Start: day("2026-01-19"), End: day("2026-01-19")},
	}, templates)

	appended, err := l.BackfillConsumption(ctx, enr, templates, skip, day("2026-02-02"))
	require.NoError(t, err)
	assert.Equal(t, 3, appended)
}

// =============================================================================
// PROJECTION
// =============================================================================

func TestProject_FourCreditsAcrossThreeClosedMondays(t *testing.T) {
	// GIVEN: 4 credits purchased at enrolment start 2026-01-05, and a
	//        holiday closing the Mondays Jan 12, 19 and 26
	// WHEN: projecting as of 2026-01-05
	// THEN: the credits reach the four February Mondays, paid through
	//       2026-02-23, next due 2026-03-02

	ctx := context.Background()
	l := ledger.New(memory.New())
	enr := creditEnrolment("enr-1", day("2026-01-05"))
	templates := []calendar.Template{mondayTemplate("mon")}
	skip := calendar.HolidaySkip([]calendar.Holiday{
		{ID: "summer", Start: day("2026-01-12"), End: day("2026-01-26")},
	}, templates)

	require.NoError(t, l.Append(ctx, ledger.Event{
		EnrolmentID: "enr-1",
		Type:        ledger.EventPurchase,
		Delta:       4,
		OccurredOn:  day("2026-01-05"),
	}))

	proj, err := l.Project(ctx, enr, templates, skip, day("2026-01-05"), 1)
	require.NoError(t, err)

	require.NotNil(t, proj.PaidThrough)
	assert.Equal(t, day("2026-02-23"), *proj.PaidThrough)
	require.NotNil(t, proj.NextDue)
	assert.Equal(t, day("2026-03-02"), *proj.NextDue)
	assert.Equal(t, 0, proj.Remaining)
	assert.Equal(t, 4, proj.Covered)
}

func TestProject_ZeroBalanceCoversNothing(t *testing.T) {
	// GIVEN: no purchases
	// WHEN: projecting
	// THEN: no paid-through, the first upcoming occurrence is due

	ctx := context.Background()
	l := ledger.New(memory.New())
	enr := creditEnrolment("enr-1", day("2026-01-05"))
	templates := []calendar.Template{mondayTemplate("mon")}

	proj, err := l.Project(ctx, enr, templates, calendar.SkipNone, day("2026-01-04"), 1)
	require.NoError(t, err)

	assert.Nil(t, proj.PaidThrough)
	require.NotNil(t, proj.NextDue)
	assert.Equal(t, day("2026-01-05"), *proj.NextDue)
}

func TestProject_EndDateCapsCoverage(t *testing.T) {
	// GIVEN: 10 credits but an enrolment ending 2026-01-26
	// WHEN: projecting as of 2026-01-04
	// THEN: coverage stops at the end date with credits left over and no
	//       next-due date

	ctx := context.Background()
	l := ledger.New(memory.New())
	enr := creditEnrolment("enr-1", day("2026-01-05"))
	end := day("2026-01-26")
	enr.End = &end
	templates := []calendar.Template{mondayTemplate("mon")}

	require.NoError(t, l.Append(ctx, ledger.Event{
		EnrolmentID: "enr-1",
		Type:        ledger.EventPurchase,
		Delta:       10,
		OccurredOn:  day("2026-01-04"),
	}))

	proj, err := l.Project(ctx, enr, templates, calendar.SkipNone, day("2026-01-04"), 1)
	require.NoError(t, err)

	require.NotNil(t, proj.PaidThrough)
	assert.Equal(t, day("2026-01-26"), *proj.PaidThrough)
	assert.Nil(t, proj.NextDue)
	assert.Equal(t, 6, proj.Remaining)
}
