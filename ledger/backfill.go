package ledger

import (
	"context"
	"fmt"

	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
)

// =============================================================================
// CONSUMPTION BACKFILL - Deterministic, idempotent
// =============================================================================

// ConsumeKey is the content-addressed idempotency key for the CONSUME event
// of one enrolment on one day. Re-backfilling can therefore never duplicate.
func ConsumeKey(enrolmentID string, day calendar.DayKey) string {
	return fmt.Sprintf("consume:%s:%s", enrolmentID, day)
}

// BackfillConsumption posts the missing CONSUME(-1) events for every
// scheduled, non-closed occurrence of the enrolment's templates in
// [enrolment start, asOf). The as-of day itself is not consumed until it
// has passed; its class is still ahead of the student.
//
// Idempotent: occurrences whose consume key already exists are skipped.
// Returns the number of events actually appended.
func (l *Ledger) BackfillConsumption(
	ctx context.Context,
	enr enrolment.Enrolment,
	templates []calendar.Template,
	skip calendar.SkipFunc,
	asOf calendar.DayKey,
) (int, error) {
	if !enr.Start.Before(asOf) {
		return 0, nil
	}

	until := asOf.AddDays(-1)
	if enr.End != nil && enr.End.Before(until) {
		until = *enr.End
	}

	occs, err := calendar.Occurrences(calendar.WalkConfig{
		Templates: templates,
		From:      enr.Start,
		Until:     &until,
		Skip:      skip,
	})
	if err != nil {
		return 0, err
	}

	appended := 0
	for _, occ := range occs {
		key := ConsumeKey(enr.ID, occ.Day)
		exists, err := l.store.EventKeyExists(ctx, key)
		if err != nil {
			return appended, err
		}
		if exists {
			continue
		}
		ev := Event{
			EnrolmentID:    enr.ID,
			Type:           EventConsume,
			Delta:          -1,
			OccurredOn:     occ.Day,
			Reason:         "scheduled class",
			IdempotencyKey: key,
		}
		if err := l.Append(ctx, ev); err != nil {
			return appended, fmt.Errorf("backfill consume %s: %w", occ.Day, err)
		}
		appended++
	}
	return appended, nil
}
