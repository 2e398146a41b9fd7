package calendar

// =============================================================================
// TEMPLATE - One weekly recurring class slot
// =============================================================================

// Template defines a weekly recurring class slot. An enrolment is assigned
// one or more templates; the walker projects them onto calendar days.
type Template struct {
	ID        string
	Name      string
	Weekday   int    // 0 = Sunday .. 6 = Saturday, matching time.Weekday
	StartTime string // "15:04" display form; not used in day arithmetic
	LevelID   string
	Capacity  int // 0 = unlimited

	// Active window. Nil bound = open-ended on that side.
	ActiveFrom *DayKey
	ActiveTo   *DayKey
}

// OccursOn reports whether the template has a scheduled occurrence on the
// given day, ignoring holidays and cancellations.
func (t Template) OccursOn(day DayKey) bool {
	if int(day.Weekday()) != t.Weekday {
		return false
	}
	if t.ActiveFrom != nil && day.Before(*t.ActiveFrom) {
		return false
	}
	if t.ActiveTo != nil && day.After(*t.ActiveTo) {
		return false
	}
	return true
}

// =============================================================================
// HOLIDAY - Closure of a date range, optionally scoped
// =============================================================================

// Holiday closes every occurrence it overlaps. Scope narrows the closure:
// an empty LevelID and TemplateID close the whole business; a LevelID closes
// one level; a TemplateID closes a single slot.
type Holiday struct {
	ID         string
	Name       string
	Start      DayKey
	End        DayKey
	LevelID    string
	TemplateID string
}

// Contains reports whether the holiday's date range includes the day.
func (h Holiday) Contains(day DayKey) bool {
	return day.AfterOrEqual(h.Start) && day.BeforeOrEqual(h.End)
}

// Closes reports whether the holiday closes the given template on the day.
func (h Holiday) Closes(t Template, day DayKey) bool {
	if !h.Contains(day) {
		return false
	}
	if h.TemplateID != "" && h.TemplateID != t.ID {
		return false
	}
	if h.LevelID != "" && h.LevelID != t.LevelID {
		return false
	}
	return true
}

// =============================================================================
// CANCELLATION - Closure of exactly one occurrence
// =============================================================================

// Cancellation closes a single occurrence of a single template.
type Cancellation struct {
	ID         string
	TemplateID string
	Date       DayKey
	Reason     string
}

// =============================================================================
// SKIP PREDICATE - Which occurrences are closed
// =============================================================================

// SkipFunc reports whether the occurrence of templateID on day is closed.
type SkipFunc func(templateID string, day DayKey) bool

// SkipNone closes nothing.
func SkipNone(string, DayKey) bool { return false }

// HolidaySkip builds a SkipFunc from a holiday list. Templates are needed to
// resolve level-scoped holidays.
func HolidaySkip(holidays []Holiday, templates []Template) SkipFunc {
	byID := make(map[string]Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return func(templateID string, day DayKey) bool {
		t, ok := byID[templateID]
		if !ok {
			t = Template{ID: templateID}
		}
		for _, h := range holidays {
			if h.Closes(t, day) {
				return true
			}
		}
		return false
	}
}

// CancellationSkip builds a SkipFunc from single-occurrence cancellations.
func CancellationSkip(cancellations []Cancellation) SkipFunc {
	keys := make(map[string]map[DayKey]bool, len(cancellations))
	for _, c := range cancellations {
		if keys[c.TemplateID] == nil {
			keys[c.TemplateID] = make(map[DayKey]bool)
		}
		keys[c.TemplateID][c.Date] = true
	}
	return func(templateID string, day DayKey) bool {
		return keys[templateID][day]
	}
}

// CombineSkips closes an occurrence when any of the given predicates does.
func CombineSkips(fns ...SkipFunc) SkipFunc {
	return func(templateID string, day DayKey) bool {
		for _, fn := range fns {
			if fn != nil && fn(templateID, day) {
				return true
			}
		}
		return false
	}
}
