package coverage

import (
	"context"
	"time"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// COVERAGE AUDIT - Append-only trail of paid-through mutations
// =============================================================================

// Audit records one accepted change to an enrolment's paid-through date.
type Audit struct {
	ID          string
	EnrolmentID string
	Reason      Reason
	Previous    *calendar.DayKey
	Next        *calendar.DayKey
	ActorID     string
	CreatedAt   time.Time
}

// AuditStore persists audit rows. Append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, a Audit) error
	AuditsByEnrolment(ctx context.Context, enrolmentID string) ([]Audit, error)
}
