package enrolment

import (
	"context"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store persists enrolments. Rows are upserted, never deleted: a superseded
// enrolment is closed with StatusChangeover and chained to its successor.
type Store interface {
	GetEnrolment(ctx context.Context, id string) (*Enrolment, error)
	SaveEnrolment(ctx context.Context, e Enrolment) error

	// EnrolmentsByGroup returns a billing-group chain, oldest first.
	EnrolmentsByGroup(ctx context.Context, billingGroupID string) ([]Enrolment, error)

	// ListEnrolments returns every enrolment. Used by calendar mutations to
	// find the rows a closure change affects.
	ListEnrolments(ctx context.Context) ([]Enrolment, error)

	// CountActiveByTemplate counts enrolments occupying a place in the
	// template on the given day. Used for capacity checks.
	CountActiveByTemplate(ctx context.Context, templateID string, on calendar.DayKey) (int, error)
}

// PlanStore persists pricing plans.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*Plan, error)
	SavePlan(ctx context.Context, p Plan) error
}

// TemplateStore persists weekly class templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*calendar.Template, error)
	ListTemplates(ctx context.Context) ([]calendar.Template, error)
	SaveTemplate(ctx context.Context, t calendar.Template) error
}

// CalendarStore persists closures: holidays and per-occurrence cancellations.
type CalendarStore interface {
	ListHolidays(ctx context.Context) ([]calendar.Holiday, error)
	SaveHoliday(ctx context.Context, h calendar.Holiday) error
	DeleteHoliday(ctx context.Context, id string) error

	ListCancellations(ctx context.Context, templateIDs []string) ([]calendar.Cancellation, error)
	SaveCancellation(ctx context.Context, c calendar.Cancellation) error
	DeleteCancellation(ctx context.Context, id string) error
}
