/*
Package ledger is the append-only credit ledger for class-block enrolments.

PURPOSE:
  Every credit movement - block purchase, per-class consumption, cancellation
  credit, manual adjustment - is an immutable event. The balance is always
  the signed sum of events; the cached balance on the enrolment row is a
  derived view that the snapshot selector overwrites.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete. Corrections are posted as
     MANUAL_ADJUST events with the opposite sign.
  2. DERIVED BALANCE: no code path changes a balance without a ledger row.
  3. DETERMINISTIC CONSUMPTION: exactly one CONSUME(-1) exists for every
     scheduled, non-closed occurrence before the as-of day. Missing events
     are backfilled on read, idempotently.
  4. IDEMPOTENT WRITES: every system-generated event carries a
     content-addressed idempotency key; replays are skipped, not duplicated.

SEE ALSO:
  - backfill.go: deterministic consumption backfill
  - projection.go: paid-through projection from the balance
  - coverage: snapshot selector that reads through this ledger
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// EVENT - Atomic credit movement
// =============================================================================

type EventType string

const (
	EventPurchase           EventType = "purchase"            // block bought (invoice paid)
	EventConsume            EventType = "consume"             // one scheduled class elapsed
	EventCancellationCredit EventType = "cancellation_credit" // class cancelled, credit returned
	EventManualAdjust       EventType = "manual_adjust"       // admin correction or reversal
)

type Event struct {
	ID          string
	EnrolmentID string
	Type        EventType

	// Delta is the signed credit movement: +N for purchases, -1 per consume.
	Delta int

	// OccurredOn is the civil day the movement belongs to, which is the
	// ordering key for balance-as-of queries.
	OccurredOn calendar.DayKey

	// Optional links back to the triggering record.
	InvoiceID    string
	AttendanceID string
	ReferenceID  string

	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// STORE - Append-only persistence
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when an event with the same key
	// already exists. Expected behaviour for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Store persists credit events. APPEND-ONLY: no update, no delete.
type Store interface {
	// AppendEvent persists one event. Fails with ErrDuplicateIdempotencyKey
	// if the key already exists.
	AppendEvent(ctx context.Context, ev Event) error

	// AppendEvents persists a batch atomically.
	AppendEvents(ctx context.Context, evs []Event) error

	// Events returns all events for an enrolment ordered by OccurredOn then
	// CreatedAt.
	Events(ctx context.Context, enrolmentID string) ([]Event, error)

	// EventKeyExists checks whether an idempotency key has been used.
	EventKeyExists(ctx context.Context, key string) (bool, error)
}
