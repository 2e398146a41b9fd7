package calendar

// =============================================================================
// CLOSURE RUNS - Consecutive closed days grouped for full-week accounting
// =============================================================================

// ClosureRun is a maximal stretch of consecutive closed calendar days,
// clipped to the inspection window.
type ClosureRun struct {
	Start DayKey
	End   DayKey
}

// Length returns the run length in days.
func (r ClosureRun) Length() int { return DaysBetween(r.Start, r.End) + 1 }

// FullWeeks returns how many complete 7-day closures the run contains.
// A single public holiday contributes 0; a fortnight shutdown contributes 2.
func (r ClosureRun) FullWeeks() int { return r.Length() / 7 }

// ClosedDayFunc reports whether the whole calendar day is closed.
type ClosedDayFunc func(day DayKey) bool

// HolidayClosedDays builds a ClosedDayFunc for a level from a holiday list.
// Template-scoped holidays close a single slot, not the day, so they are
// excluded here.
func HolidayClosedDays(holidays []Holiday, levelID string) ClosedDayFunc {
	return func(day DayKey) bool {
		for _, h := range holidays {
			if h.TemplateID != "" {
				continue
			}
			if h.LevelID != "" && levelID != "" && h.LevelID != levelID {
				continue
			}
			if h.Contains(day) {
				return true
			}
		}
		return false
	}
}

// ClosureRuns groups the closed days inside [from, to] into maximal runs of
// consecutive days, ascending.
func ClosureRuns(from, to DayKey, closed ClosedDayFunc) []ClosureRun {
	var runs []ClosureRun
	var current *ClosureRun

	for day := from; day.BeforeOrEqual(to); day = day.AddDays(1) {
		if closed(day) {
			if current == nil {
				current = &ClosureRun{Start: day, End: day}
			} else {
				current.End = day
			}
			continue
		}
		if current != nil {
			runs = append(runs, *current)
			current = nil
		}
	}
	if current != nil {
		runs = append(runs, *current)
	}
	return runs
}

// FullWeekClosures counts complete 7-day closures inside [from, to].
// Only whole weeks extend weekly coverage: five clustered closed days plus
// an adjoining closed weekend count, a lone public holiday does not.
func FullWeekClosures(from, to DayKey, closed ClosedDayFunc) int {
	total := 0
	for _, run := range ClosureRuns(from, to, closed) {
		total += run.FullWeeks()
	}
	return total
}
