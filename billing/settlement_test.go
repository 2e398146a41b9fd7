package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightwave/enrolment-engine/billing"
	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/enrolment"
)

// =============================================================================
// SETTLEMENT ARITHMETIC
// =============================================================================

func weeklyPlan(id string, priceCents int64) enrolment.Plan {
	return enrolment.Plan{
		ID:              id,
		BillingType:     enrolment.BillingPerWeek,
		PriceCents:      priceCents,
		SessionsPerWeek: 1,
	}
}

func TestComputeSettlement_UpgradeOwesTheDifference(t *testing.T) {
	// GIVEN: old plan at 2500/class, new plan at 3750/class, 8 chargeable
	//        classes remaining in the paid window
	// WHEN: computing the settlement
	// THEN: old value 20000, new value 30000, family owes 10000

	oldPlan := weeklyPlan("plan-basic", 2500)
	newPlan := weeklyPlan("plan-premium", 3750)

	oldValue, newValue, diff := billing.ComputeSettlement(oldPlan, newPlan, 8)
	assert.Equal(t, int64(20000), oldValue)
	assert.Equal(t, int64(30000), newValue)
	assert.Equal(t, int64(10000), diff)
}

func TestComputeSettlement_DowngradeIsTheExactMirror(t *testing.T) {
	// GIVEN: the same two plans swapped
	// WHEN: computing both directions
	// THEN: the differences are exact negatives of each other

	a := weeklyPlan("plan-a", 2500)
	b := weeklyPlan("plan-b", 3750)

	_, _, up := billing.ComputeSettlement(a, b, 8)
	_, _, down := billing.ComputeSettlement(b, a, 8)
	assert.Equal(t, up, -down)
}

func TestPlanValueCents_RoundsAfterMultiplying(t *testing.T) {
	// GIVEN: a 3-class block priced at 1000 cents (333.33.. per class)
	// WHEN: valuing 3 chargeable classes
	// THEN: the full block price comes back exactly, not 999

	block := enrolment.Plan{
		ID:              "plan-block",
		BillingType:     enrolment.BillingPerClass,
		PriceCents:      1000,
		BlockClassCount: 3,
	}
	assert.Equal(t, int64(1000), billing.PlanValueCents(block, 3))
	assert.Equal(t, int64(333), billing.PlanValueCents(block, 1))
	assert.Equal(t, int64(667), billing.PlanValueCents(block, 2))
}

func TestComputeSettlement_ZeroChargeable(t *testing.T) {
	oldValue, newValue, diff := billing.ComputeSettlement(
		weeklyPlan("plan-a", 2500), weeklyPlan("plan-b", 3750), 0)
	assert.Zero(t, oldValue)
	assert.Zero(t, newValue)
	assert.Zero(t, diff)
}

// =============================================================================
// CHARGEABLE CLASSES
// =============================================================================

func TestChargeableClasses_CountsRemainingPaidWindow(t *testing.T) {
	// GIVEN: a Monday schedule paid through 2026-03-09, changing over on
	//        2026-02-09
	// WHEN: counting chargeable classes
	// THEN: the 5 Mondays Feb 9 .. Mar 9 remain

	n, err := billing.ChargeableClasses(
		[]calendar.Template{monday("mon")},
		calendar.SkipNone,
		day("2026-02-09"),
		ptr(day("2026-03-09")),
	)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestChargeableClasses_SkipsClosures(t *testing.T) {
	templates := []calendar.Template{monday("mon")}
	skip := calendar.HolidaySkip([]calendar.Holiday{
		{ID: "mid-term", Start: day("2026-02-16"), End: day("2026-02-16")},
	}, templates)

	n, err := billing.ChargeableClasses(templates, skip, day("2026-02-09"), ptr(day("2026-03-09")))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestChargeableClasses_ZeroOutsidePaidWindow(t *testing.T) {
	// Changeover after paid-through, or no paid window at all.
	n, err := billing.ChargeableClasses(
		[]calendar.Template{monday("mon")}, calendar.SkipNone,
		day("2026-03-16"), ptr(day("2026-03-09")))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = billing.ChargeableClasses(
		[]calendar.Template{monday("mon")}, calendar.SkipNone,
		day("2026-02-09"), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// SETTLEMENT KEY
// =============================================================================

func TestSettlementKey_TemplateOrderIrrelevant(t *testing.T) {
	a := billing.SettlementKey("enr-1", "plan-b", day("2026-02-09"), ptr(day("2026-03-09")), []string{"mon", "wed"})
	b := billing.SettlementKey("enr-1", "plan-b", day("2026-02-09"), ptr(day("2026-03-09")), []string{"wed", "mon"})
	assert.Equal(t, a, b)
}

func TestSettlementKey_DistinguishesInputs(t *testing.T) {
	base := billing.SettlementKey("enr-1", "plan-b", day("2026-02-09"), ptr(day("2026-03-09")), []string{"mon"})

	assert.NotEqual(t, base,
		billing.SettlementKey("enr-2", "plan-b", day("2026-02-09"), ptr(day("2026-03-09")), []string{"mon"}))
	assert.NotEqual(t, base,
		billing.SettlementKey("enr-1", "plan-c", day("2026-02-09"), ptr(day("2026-03-09")), []string{"mon"}))
	assert.NotEqual(t, base,
		billing.SettlementKey("enr-1", "plan-b", day("2026-02-16"), ptr(day("2026-03-09")), []string{"mon"}))
	assert.NotEqual(t, base,
		billing.SettlementKey("enr-1", "plan-b", day("2026-02-09"), nil, []string{"mon"}))
}
