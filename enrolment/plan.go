package enrolment

import "github.com/shopspring/decimal"

// =============================================================================
// PLAN - Immutable pricing reference
// =============================================================================

// Plan is a pricing reference. Once invoiced, a plan is never edited;
// repricing means creating a new plan.
type Plan struct {
	ID          string
	Name        string
	BillingType BillingType

	// PriceCents is the weekly price for BillingPerWeek plans and the block
	// price for BillingPerClass plans.
	PriceCents int64

	// SessionsPerWeek applies to weekly plans.
	SessionsPerWeek int

	// BlockClassCount applies to per-class plans: classes bought per block.
	BlockClassCount int

	DurationWeeks int
	LevelID       string
	SaturdayOnly  bool
}

// ClassCount returns the number of classes the price buys: sessions per week
// for weekly plans, block size for class-block plans.
func (p Plan) ClassCount() int {
	switch p.BillingType {
	case BillingPerClass:
		if p.BlockClassCount > 0 {
			return p.BlockClassCount
		}
	default:
		if p.SessionsPerWeek > 0 {
			return p.SessionsPerWeek
		}
	}
	return 1
}

// CostPerClass returns the unrounded per-class cost in cents. Settlement
// rounds after multiplying by the class count, never per unit.
func (p Plan) CostPerClass() decimal.Decimal {
	return decimal.NewFromInt(p.PriceCents).Div(decimal.NewFromInt(int64(p.ClassCount())))
}
