/*
Package enrolment defines the enrolment data model shared by the coverage,
ledger and billing packages.

PURPOSE:
  An Enrolment links a student to a plan and a set of weekly class
  templates for one contiguous billing period. Plan or class changes never
  mutate an enrolment in place: the old row is closed (CHANGEOVER) and a
  successor row is created, chained through BillingGroupID.

KEY CONCEPTS:
  - Enrolment: one contiguous billing period for one student
  - Plan: immutable pricing reference (weekly or class-block billing)
  - PaidThrough vs PaidThroughComputed: the explicit coverage date and its
    recomputed cache; they may diverge only transiently and recalculation
    reconciles them (see the coverage package)

DESIGN PRINCIPLES:
  1. History by chaining, not editing: rows are never deleted
  2. Caches are derived views: PaidThroughComputed and CreditsBalanceCached
     are overwritten by the snapshot selector, never incremented
  3. Plans are never edited retroactively once invoiced

SEE ALSO:
  - coverage: snapshot selector and non-regression guard
  - ledger: per-class credit ledger keyed by enrolment ID
  - billing: invoices, payments and plan-change settlement
*/
package enrolment

import (
	"time"

	"github.com/brightwave/enrolment-engine/calendar"
)

// =============================================================================
// BILLING TYPE AND STATUS
// =============================================================================

// BillingType selects the coverage algorithm for an enrolment.
type BillingType string

const (
	// BillingPerWeek bills a recurring weekly price; coverage is the Nth
	// scheduled occurrence reachable by the paid session entitlement.
	BillingPerWeek BillingType = "per_week"

	// BillingPerClass bills blocks of classes; coverage is projected from
	// the credit ledger balance.
	BillingPerClass BillingType = "per_class"
)

// Status is the enrolment lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusChangeover Status = "changeover" // superseded by a successor row
	StatusCancelled  Status = "cancelled"
)

// =============================================================================
// ENROLMENT - One contiguous billing period
// =============================================================================

type Enrolment struct {
	ID        string
	StudentID string
	FamilyID  string
	PlanID    string

	BillingType BillingType

	// Assigned weekly class templates.
	TemplateIDs []string

	Start calendar.DayKey
	End   *calendar.DayKey // nil = open-ended

	Status Status

	// PaidThrough is the explicit coverage date, advanced by invoice
	// application and manual edits. PaidThroughComputed is the recomputed
	// cache written by the snapshot selector.
	PaidThrough         *calendar.DayKey
	PaidThroughComputed *calendar.DayKey

	// PaidSessions is the number of sessions the current period's payments
	// cover, counted from Start. Weekly plans only; it is what makes the
	// paid-through date recomputable when the schedule changes underneath it.
	PaidSessions int

	// CreditsBalanceCached mirrors the credit ledger balance. Derived, never
	// authoritative.
	CreditsBalanceCached int

	// BillingGroupID chains change-over successors. The first row in a chain
	// uses its own ID.
	BillingGroupID string

	CreatedAt time.Time
}

// ActiveOn reports whether the enrolment occupies a class place on the day.
func (e Enrolment) ActiveOn(day calendar.DayKey) bool {
	if e.Status == StatusCancelled {
		return false
	}
	if day.Before(e.Start) {
		return false
	}
	if e.End != nil && day.After(*e.End) {
		return false
	}
	return e.Status == StatusActive || e.Status == StatusPaused
}

// HasTemplate reports whether the template is assigned to this enrolment.
func (e Enrolment) HasTemplate(templateID string) bool {
	for _, id := range e.TemplateIDs {
		if id == templateID {
			return true
		}
	}
	return false
}
