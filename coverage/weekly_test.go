package coverage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(s string) calendar.DayKey { return calendar.MustDayKey(s) }

func monday(id string) calendar.Template {
	return calendar.Template{ID: id, Weekday: int(time.Monday), StartTime: "16:00"}
}

func holidaySkip(templates []calendar.Template, holidays ...calendar.Holiday) calendar.SkipFunc {
	return calendar.HolidaySkip(holidays, templates)
}

// =============================================================================
// WEEKLY COVERAGE
// =============================================================================

func TestComputeWeekly_EightSessionsWithOneHoliday(t *testing.T) {
	// GIVEN: 8 paid sessions from Monday 2026-01-12 and a holiday closing
	//        2026-01-26
	// WHEN: computing weekly coverage
	// THEN: the closed Monday is not consumed, so coverage reaches 2026-03-09

	templates := []calendar.Template{monday("mon")}
	skip := holidaySkip(templates, calendar.Holiday{
		ID: "australia-day", Start: day("2026-01-26"), End: day("2026-01-26"),
	})

	res, err := coverage.ComputeWeekly(coverage.WeeklyInput{
		Start:           day("2026-01-12"),
		Templates:       templates,
		Skip:            skip,
		Sessions:        8,
		SessionsPerWeek: 1,
	})
	require.NoError(t, err)

	require.NotNil(t, res.PaidThrough)
	assert.Equal(t, day("2026-03-09"), *res.PaidThrough)
	require.NotNil(t, res.NextDue)
	assert.Equal(t, day("2026-03-16"), *res.NextDue)
	assert.Equal(t, 8, res.Covered)
}

func TestComputeWeekly_NoHolidays(t *testing.T) {
	// GIVEN: 4 paid sessions from Monday 2026-01-12, nothing closed
	// WHEN: computing weekly coverage
	// THEN: the 4th Monday is the paid-through date

	res, err := coverage.ComputeWeekly(coverage.WeeklyInput{
		Start:           day("2026-01-12"),
		Templates:       []calendar.Template{monday("mon")},
		Skip:            calendar.SkipNone,
		Sessions:        4,
		SessionsPerWeek: 1,
	})
	require.NoError(t, err)

	require.NotNil(t, res.PaidThrough)
	assert.Equal(t, day("2026-02-02"), *res.PaidThrough)
	require.NotNil(t, res.NextDue)
	assert.Equal(t, day("2026-02-09"), *res.NextDue)
}

func TestComputeWeekly_ZeroSessions(t *testing.T) {
	// GIVEN: no paid sessions
	// WHEN: computing weekly coverage
	// THEN: nothing is covered and the first occurrence is due

	res, err := coverage.ComputeWeekly(coverage.WeeklyInput{
		Start:           day("2026-01-12"),
		Templates:       []calendar.Template{monday("mon")},
		Skip:            calendar.SkipNone,
		Sessions:        0,
		SessionsPerWeek: 1,
	})
	require.NoError(t, err)

	assert.Nil(t, res.PaidThrough)
	require.NotNil(t, res.NextDue)
	assert.Equal(t, day("2026-01-12"), *res.NextDue)
	assert.Equal(t, 0, res.Covered)
}

func TestComputeWeekly_EndDateCapsTheWalk(t *testing.T) {
	// GIVEN: 8 paid sessions but the enrolment ends 2026-02-02
	// WHEN: computing weekly coverage
	// THEN: coverage stops at the end date with no next-due date

	end := day("2026-02-02")
	res, err := coverage.ComputeWeekly(coverage.WeeklyInput{
		Start:           day("2026-01-12"),
		End:             &end,
		Templates:       []calendar.Template{monday("mon")},
		Skip:            calendar.SkipNone,
		Sessions:        8,
		SessionsPerWeek: 1,
	})
	require.NoError(t, err)

	require.NotNil(t, res.PaidThrough)
	assert.Equal(t, day("2026-02-02"), *res.PaidThrough)
	assert.Nil(t, res.NextDue)
	assert.Equal(t, 4, res.Covered)
}

func TestComputeWeekly_TwoTemplatesShareTheEntitlement(t *testing.T) {
	// GIVEN: Monday and Wednesday templates, 4 paid sessions from 2026-01-12
	// WHEN: computing weekly coverage
	// THEN: sessions are consumed in calendar order across both slots

	templates := []calendar.Template{
		monday("mon"),
		{ID: "wed", Weekday: int(time.Wednesday), StartTime: "16:00"},
	}
	res, err := coverage.ComputeWeekly(coverage.WeeklyInput{
		Start:           day("2026-01-12"),
		Templates:       templates,
		Skip:            calendar.SkipNone,
		Sessions:        4,
		SessionsPerWeek: 2,
	})
	require.NoError(t, err)

	// Mon 12, Wed 14, Mon 19, Wed 21.
	require.NotNil(t, res.PaidThrough)
	assert.Equal(t, day("2026-01-21"), *res.PaidThrough)
	require.NotNil(t, res.NextDue)
	assert.Equal(t, day("2026-01-26"), *res.NextDue)
}

// =============================================================================
// SESSIONS BETWEEN
// =============================================================================

func TestSessionsBetween_CountsNonClosedOccurrences(t *testing.T) {
	// GIVEN: Mondays from 2026-01-12 to 2026-03-09 with 2026-01-26 closed
	// WHEN: counting sessions in the window
	// THEN: 8 occurrences remain

	templates := []calendar.Template{monday("mon")}
	skip := holidaySkip(templates, calendar.Holiday{
		ID: "australia-day", Start: day("2026-01-26"), End: day("2026-01-26"),
	})

	n, err := coverage.SessionsBetween(templates, skip, day("2026-01-12"), day("2026-03-09"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestSessionsBetween_EmptyWindow(t *testing.T) {
	// GIVEN: a window whose end precedes its start
	// WHEN: counting sessions
	// THEN: zero, no error

	n, err := coverage.SessionsBetween(
		[]calendar.Template{monday("mon")},
		calendar.SkipNone,
		day("2026-03-09"),
		day("2026-01-12"),
	)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
