/*
walker.go - Occurrence enumeration for weekly templates

PURPOSE:
  Enumerates the scheduled class occurrences of one or more weekly templates
  within a bounded window, skipping closed dates. This is the single
  calendar-walking algorithm in the engine; coverage, credit projection and
  settlement all count occurrences through it.

BOUNDING:
  Every walk is finite. The caller supplies either an explicit end day or a
  target occurrence count; with a count, the horizon is projected as

      from + 7 * (ceil(need / sessionsPerWeek) + bufferWeeks)

  so that a missing enrolment end date can never produce an unbounded loop.
  The horizon is re-derived on every walk, never cached.

DETERMINISM:
  Output is ascending and deduplicated: templates sharing a weekday
  contribute one occurrence per day. Identical inputs always yield identical
  output (the walker holds no state between Reset calls).

SEE ALSO:
  - schedule.go: Template, Holiday, Cancellation, SkipFunc
  - coverage: derives paid-through dates from walks
  - ledger: projects credit balances against walks
*/
package calendar

import "errors"

// DefaultBufferWeeks pads the projected horizon so that closures inside the
// window cannot push the Nth occurrence past the end of the walk.
const DefaultBufferWeeks = 4

// ErrUnboundedWalk is returned when a walk has neither an end day nor a
// target occurrence count.
var ErrUnboundedWalk = errors.New("walk must be bounded by an end day or an occurrence count")

// Occurrence is one scheduled class day. Templates sharing the day are
// collapsed into a single occurrence.
type Occurrence struct {
	Day         DayKey
	TemplateIDs []string
}

// WalkConfig describes one bounded walk.
type WalkConfig struct {
	Templates []Template
	From      DayKey

	// Until bounds the walk inclusively. Nil means the horizon is projected
	// from Need and SessionsPerWeek.
	Until *DayKey

	// Need stops the walk after this many occurrences. Zero means the walk
	// runs to Until.
	Need int

	// SessionsPerWeek feeds the horizon projection. Zero falls back to the
	// number of templates (one session per template per week).
	SessionsPerWeek int

	// BufferWeeks pads the projected horizon. Zero means DefaultBufferWeeks.
	BufferWeeks int

	Skip SkipFunc
}

// Walker lazily produces the occurrences of a WalkConfig in ascending order.
// It is restartable via Reset and finite by construction.
type Walker struct {
	cfg      WalkConfig
	horizon  DayKey
	cursor   DayKey
	produced int
}

// NewWalker validates the bounds and resolves the walk horizon.
func NewWalker(cfg WalkConfig) (*Walker, error) {
	if cfg.Until == nil && cfg.Need <= 0 {
		return nil, ErrUnboundedWalk
	}
	if cfg.Skip == nil {
		cfg.Skip = SkipNone
	}

	horizon := DayKey{}
	if cfg.Until != nil {
		horizon = *cfg.Until
	} else {
		perWeek := cfg.SessionsPerWeek
		if perWeek <= 0 {
			perWeek = len(cfg.Templates)
		}
		if perWeek <= 0 {
			perWeek = 1
		}
		buffer := cfg.BufferWeeks
		if buffer <= 0 {
			buffer = DefaultBufferWeeks
		}
		weeks := (cfg.Need+perWeek-1)/perWeek + buffer
		horizon = cfg.From.AddWeeks(weeks)
	}

	w := &Walker{cfg: cfg, horizon: horizon}
	w.Reset()
	return w, nil
}

// Reset rewinds the walker to the start of the window.
func (w *Walker) Reset() {
	w.cursor = w.cfg.From
	w.produced = 0
}

// Next returns the next occurrence, or ok=false when the walk is exhausted.
func (w *Walker) Next() (Occurrence, bool) {
	if w.cfg.Need > 0 && w.produced >= w.cfg.Need {
		return Occurrence{}, false
	}

	for day := w.cursor; day.BeforeOrEqual(w.horizon); day = day.AddDays(1) {
		var ids []string
		for _, t := range w.cfg.Templates {
			if !t.OccursOn(day) {
				continue
			}
			if w.cfg.Skip(t.ID, day) {
				continue
			}
			ids = append(ids, t.ID)
		}
		if len(ids) == 0 {
			continue
		}
		w.cursor = day.AddDays(1)
		w.produced++
		return Occurrence{Day: day, TemplateIDs: ids}, true
	}

	w.cursor = w.horizon.AddDays(1)
	return Occurrence{}, false
}

// Occurrences collects the full walk into a slice.
func Occurrences(cfg WalkConfig) ([]Occurrence, error) {
	w, err := NewWalker(cfg)
	if err != nil {
		return nil, err
	}
	var out []Occurrence
	for {
		occ, ok := w.Next()
		if !ok {
			return out, nil
		}
		out = append(out, occ)
	}
}

// CountOccurrences returns the number of occurrences in the walk.
func CountOccurrences(cfg WalkConfig) (int, error) {
	occs, err := Occurrences(cfg)
	if err != nil {
		return 0, err
	}
	return len(occs), nil
}

// NthOccurrence returns the day of the nth occurrence (1-based), or ok=false
// when the walk produces fewer than n occurrences.
func NthOccurrence(cfg WalkConfig, n int) (DayKey, bool, error) {
	if n <= 0 {
		return DayKey{}, false, nil
	}
	if cfg.Until == nil && (cfg.Need == 0 || cfg.Need < n) {
		cfg.Need = n
	}
	w, err := NewWalker(cfg)
	if err != nil {
		return DayKey{}, false, err
	}
	seen := 0
	for {
		occ, ok := w.Next()
		if !ok {
			return DayKey{}, false, nil
		}
		seen++
		if seen == n {
			return occ.Day, true, nil
		}
	}
}
