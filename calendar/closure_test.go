package calendar_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brightwave/enrolment-engine/calendar"
)

func TestClosureRuns_FortnightShutdown_TwoFullWeeks(t *testing.T) {
	// GIVEN: a closure spanning 2026-01-05 .. 2026-01-18 (14 days)
	// WHEN: counting full-week closures in 2026-01-01 .. 2026-02-28
	// THEN: exactly 2 full weeks

	holidays := []calendar.Holiday{{
		ID: "shutdown", Start: day("2026-01-05"), End: day("2026-01-18"),
	}}
	closed := calendar.HolidayClosedDays(holidays, "")

	runs := calendar.ClosureRuns(day("2026-01-01"), day("2026-02-28"), closed)
	if assert.Len(t, runs, 1) {
		assert.Equal(t, day("2026-01-05"), runs[0].Start)
		assert.Equal(t, day("2026-01-18"), runs[0].End)
		assert.Equal(t, 14, runs[0].Length())
	}
	assert.Equal(t, 2, calendar.FullWeekClosures(day("2026-01-01"), day("2026-02-28"), closed))
}

func TestClosureRuns_SingleDayHoliday_ZeroFullWeeks(t *testing.T) {
	// GIVEN: a single-day public holiday
	// THEN: it forms a run of 1 and contributes no full week

	holidays := []calendar.Holiday{{
		ID: "australia-day", Start: day("2026-01-26"), End: day("2026-01-26"),
	}}
	closed := calendar.HolidayClosedDays(holidays, "")

	assert.Equal(t, 0, calendar.FullWeekClosures(day("2026-01-01"), day("2026-02-28"), closed))
}

func TestClosureRuns_AdjoiningHolidaysMerge(t *testing.T) {
	// GIVEN: five closed weekdays plus the adjoining closed weekend
	// WHEN: grouped into runs
	// THEN: the 7 consecutive days form one full week

	holidays := []calendar.Holiday{
		{ID: "week", Start: day("2026-01-05"), End: day("2026-01-09")},   // Mon..Fri
		{ID: "wkend", Start: day("2026-01-10"), End: day("2026-01-11")}, // Sat..Sun
	}
	closed := calendar.HolidayClosedDays(holidays, "")

	runs := calendar.ClosureRuns(day("2026-01-01"), day("2026-01-31"), closed)
	if assert.Len(t, runs, 1) {
		assert.Equal(t, 7, runs[0].Length())
	}
	assert.Equal(t, 1, calendar.FullWeekClosures(day("2026-01-01"), day("2026-01-31"), closed))
}

func TestClosureRuns_TemplateScopedHoliday_NotAWholeDayClosure(t *testing.T) {
	// A holiday scoped to a single template closes a slot, not the business.
	holidays := []calendar.Holiday{{
		ID: "slot-only", Start: day("2026-01-05"), End: day("2026-01-11"), TemplateID: "mon-a",
	}}
	closed := calendar.HolidayClosedDays(holidays, "")

	assert.Empty(t, calendar.ClosureRuns(day("2026-01-01"), day("2026-01-31"), closed))
}

func TestClosureRuns_ClippedToWindow(t *testing.T) {
	// A closure overhanging the window start is clipped to it.
	holidays := []calendar.Holiday{{
		ID: "overhang", Start: day("2025-12-29"), End: day("2026-01-04"),
	}}
	closed := calendar.HolidayClosedDays(holidays, "")

	runs := calendar.ClosureRuns(day("2026-01-01"), day("2026-01-31"), closed)
	if assert.Len(t, runs, 1) {
		assert.Equal(t, day("2026-01-01"), runs[0].Start)
		assert.Equal(t, day("2026-01-04"), runs[0].End)
	}
}
