/*
projection.go - Paid-through projection for credit-based enrolments

PURPOSE:
  Answers "how far does the current credit balance reach?" by replaying the
  balance against future occurrences. The last occurrence the balance can
  pay for is the paid-through date; the first it cannot is the next-due
  date; whatever is left over is the remaining credit count.

ORDER OF OPERATIONS:
  1. Backfill consumption up to (but excluding) the as-of day
  2. Recompute the balance as of that day
  3. Walk occurrences strictly after as-of (or from the enrolment start for
     future-dated enrolments), consuming one credit per occurrence

The walk is capped at the enrolment end date when one exists and is
otherwise bounded by the walker's horizon rule.
*/
package ledger

import (
	"context"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
)

// Projection is the coverage view derived from a credit balance.
type Projection struct {
	// PaidThrough is the last occurrence the balance pays for. Nil when the
	// balance covers nothing ahead.
	PaidThrough *calendar.DayKey

	// NextDue is the first occurrence the balance cannot pay for. Nil when
	// the enrolment ends before the credits run out.
	NextDue *calendar.DayKey

	// Remaining is the balance left after the walk.
	Remaining int

	// Covered is the number of future occurrences the balance pays for.
	Covered int
}

// Project backfills consumption, recomputes the balance and projects it
// against future occurrences.
func (l *Ledger) Project(
	ctx context.Context,
	enr enrolment.Enrolment,
	templates []calendar.Template,
	skip calendar.SkipFunc,
	asOf calendar.DayKey,
	sessionsPerWeek int,
) (Projection, error) {
	if _, err := l.BackfillConsumption(ctx, enr, templates, skip, asOf); err != nil {
		return Projection{}, err
	}

	balance, err := l.BalanceAsOf(ctx, enr.ID, asOf)
	if err != nil {
		return Projection{}, err
	}

	// Today's class is consumption, not projection: start strictly after
	// as-of. A future-dated enrolment starts at its first day instead.
	from := asOf.AddDays(1)
	if enr.Start.After(asOf) {
		from = enr.Start
	}

	cfg := calendar.WalkConfig{
		Templates:       templates,
		From:            from,
		Skip:            skip,
		SessionsPerWeek: sessionsPerWeek,
	}
	if enr.End != nil {
		until := *enr.End
		cfg.Until = &until
	}
	if cfg.Until == nil {
		need := balance + 1
		if need < 1 {
			need = 1
		}
		cfg.Need = need
	}

	w, err := calendar.NewWalker(cfg)
	if err != nil {
		return Projection{}, err
	}

	proj := Projection{Remaining: balance}
	for {
		occ, ok := w.Next()
		if !ok {
			break
		}
		if proj.Remaining <= 0 {
			due := occ.Day
			proj.NextDue = &due
			break
		}
		paid := occ.Day
		proj.PaidThrough = &paid
		proj.Covered++
		proj.Remaining--
	}
	return proj, nil
}
