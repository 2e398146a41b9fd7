/*
Package coverage derives and guards paid-through dates.

PURPOSE:
  This package owns the answer to "how far do this enrolment's payments
  reach?". Weekly plans walk a session entitlement across the schedule;
  credit plans project the ledger balance. Both funnel through a single
  snapshot selector, and every change to a paid-through date passes the
  non-regression guard and leaves an audit row.

KEY CONCEPTS:
  - Weekly coverage (weekly.go): Nth non-closed occurrence from the period
    start is the paid-through date
  - Snapshot selector (snapshot.go): the only read path for coverage
  - Non-regression guard (recalc.go): coverage must not silently shrink
  - Audit (audit.go): append-only trail of every accepted change

SEE ALSO:
  - calendar: the occurrence walker both algorithms rely on
  - ledger: credit balance projection for class-block plans
*/
package coverage

import (
	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// WEEKLY COVERAGE - Entitlement walked across the schedule
// =============================================================================

// WeeklyInput describes one weekly coverage computation.
type WeeklyInput struct {
	// Start is the first day of the billing period (inclusive).
	Start calendar.DayKey

	// End caps the walk when the enrolment has an end date.
	End *calendar.DayKey

	Templates []calendar.Template
	Skip      calendar.SkipFunc

	// Sessions is the entitlement: how many sessions the period's payments
	// cover.
	Sessions int

	// SessionsPerWeek bounds the walk horizon.
	SessionsPerWeek int
}

// WeeklyResult is the computed coverage for a weekly plan.
type WeeklyResult struct {
	PaidThrough *calendar.DayKey
	NextDue     *calendar.DayKey
	Covered     int
}

// ComputeWeekly walks occurrences from the period start, skipping closed
// dates, and returns the Nth occurrence as the paid-through date and the
// (N+1)th as the next-due date. Closed dates are not consumed, so a holiday
// inside the paid window pushes coverage forward by one occurrence.
func ComputeWeekly(in WeeklyInput) (WeeklyResult, error) {
	cfg := calendar.WalkConfig{
		Templates:       in.Templates,
		From:            in.Start,
		Skip:            in.Skip,
		SessionsPerWeek: in.SessionsPerWeek,
	}
	if in.End != nil {
		until := *in.End
		cfg.Until = &until
	} else {
		cfg.Need = in.Sessions + 1
	}

	w, err := calendar.NewWalker(cfg)
	if err != nil {
		return WeeklyResult{}, err
	}

	var res WeeklyResult
	for {
		occ, ok := w.Next()
		if !ok {
			return res, nil
		}
		if res.Covered >= in.Sessions {
			due := occ.Day
			res.NextDue = &due
			return res, nil
		}
		paid := occ.Day
		res.PaidThrough = &paid
		res.Covered++
	}
}

// SessionsBetween counts the scheduled, non-closed occurrences in [from, to].
// This is "how many classes did the old payment actually buy": the count is
// replayed against a new schedule when templates or closures change.
func SessionsBetween(templates []calendar.Template, skip calendar.SkipFunc, from, to calendar.DayKey) (int, error) {
	if to.Before(from) {
		return 0, nil
	}
	until := to
	return calendar.CountOccurrences(calendar.WalkConfig{
		Templates: templates,
		From:      from,
		Until:     &until,
		Skip:      skip,
	})
}
