package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// LEDGER - Balance recomputation over the event store
// =============================================================================

// Ledger wraps the event store with idempotency checking and balance
// recomputation. It holds no state of its own.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append adds one event, skipping silently when its idempotency key has
// already been used. Silent skip (rather than error) is what makes
// backfill and entitlement application safe to retry.
func (l *Ledger) Append(ctx context.Context, ev Event) error {
	if ev.IdempotencyKey != "" {
		exists, err := l.store.EventKeyExists(ctx, ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return l.store.AppendEvent(ctx, ev)
}

// Events returns the full event history for an enrolment, chronological.
func (l *Ledger) Events(ctx context.Context, enrolmentID string) ([]Event, error) {
	return l.store.Events(ctx, enrolmentID)
}

// Balance returns the signed sum of all deltas for the enrolment.
func (l *Ledger) Balance(ctx context.Context, enrolmentID string) (int, error) {
	evs, err := l.store.Events(ctx, enrolmentID)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	balance := 0
	for _, ev := range evs {
		balance += ev.Delta
	}
	return balance, nil
}

// BalanceAsOf returns the signed sum of deltas with OccurredOn <= asOf.
func (l *Ledger) BalanceAsOf(ctx context.Context, enrolmentID string, asOf calendar.DayKey) (int, error) {
	evs, err := l.store.Events(ctx, enrolmentID)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	balance := 0
	for _, ev := range evs {
		if ev.OccurredOn.After(asOf) {
			continue
		}
		balance += ev.Delta
	}
	return balance, nil
}
