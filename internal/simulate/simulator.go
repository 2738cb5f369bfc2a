// Package simulate projects a monthly insight forward under a set of
// selected actions and re-scores the result.
package simulate

import (
	"math"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/health"
	"github.com/dompet/backend/internal/insight"
)

// Result is the outcome of one simulation run. The original insight is
// never mutated.
type Result struct {
	ProjectedInsight *core.MonthlyInsight `json:"projected_insight"`
	ProjectedHealth  core.HealthScore     `json:"projected_health"`
	Adjustments      map[string]float64   `json:"adjustments"`
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// Run applies each selected action's fixed delta to a deep copy of the
// insight, refreshes the derived KPIs so the set stays internally
// consistent, then re-scores health and regenerates the narrative with a
// "(projected)" suffix. Unknown action ids are no-ops recorded as 0.
func Run(ins *core.MonthlyInsight, actionIDs []string) Result {
	projected := ins.Clone()
	adjustments := make(map[string]float64, len(actionIDs))

	for _, id := range actionIDs {
		adjustments[id] = apply(projected, id)
	}

	refreshDerived(projected.KPIs)
	projected.Story = projectedStory(projected)

	return Result{
		ProjectedInsight: projected,
		ProjectedHealth:  health.Score(projected.KPIs),
		Adjustments:      adjustments,
	}
}

// apply mutates the KPI map for one action and returns the magnitude of the
// adjustment made.
func apply(projected *core.MonthlyInsight, id string) float64 {
	kpis := projected.KPIs
	income := kpis[core.KPIIncome].Value

	switch id {
	case core.ActionImproveSavings:
		current := kpis[core.KPISavingsRate].Value
		target := clamp(current+0.03, 0, 0.8)
		delta := target - current
		amount := income * delta
		setValue(kpis, core.KPISavingsRate, target)
		setValue(kpis, core.KPIExpenses, kpis[core.KPIExpenses].Value-amount)
		setValue(kpis, core.KPICashFlow, kpis[core.KPICashFlow].Value+amount)
		return delta

	case core.ActionOptimizeExpenses:
		expenses := kpis[core.KPIExpenses].Value
		saved := expenses * 0.05
		setValue(kpis, core.KPIExpenses, expenses-saved)
		setValue(kpis, core.KPICashFlow, kpis[core.KPICashFlow].Value+saved)
		return saved

	case core.ActionAccelerateDebt:
		debt := kpis[core.KPIDebtOutstanding].Value
		paid := debt * 0.05
		setValue(kpis, core.KPIDebtOutstanding, debt-paid)
		return paid

	case core.ActionBoostInvestments:
		added := income * 0.02
		setValue(kpis, core.KPIInvestments, kpis[core.KPIInvestments].Value+added)
		setValue(kpis, core.KPICashFlow, kpis[core.KPICashFlow].Value-added)
		return added

	case core.ActionGrowIncome:
		raise := income * 0.03
		setValue(kpis, core.KPIIncome, income+raise)
		return raise

	default:
		return 0
	}
}

// refreshDerived recomputes every derived KPI from the currency primitives
// so stacked actions cannot leave the set inconsistent. Clamps match the
// KPI engine.
func refreshDerived(kpis map[string]core.KPI) {
	income := kpis[core.KPIIncome].Value
	expenses := kpis[core.KPIExpenses].Value
	investments := kpis[core.KPIInvestments].Value
	debtPayments := kpis[core.KPIDebtPayments].Value
	debtOutstanding := kpis[core.KPIDebtOutstanding].Value

	setValue(kpis, core.KPICashFlow, income-expenses-investments-debtPayments)

	var savingsRate, investmentRate, expenseRatio, debtToIncome float64
	if income > 0 {
		savingsRate = clamp((income-expenses)/income, 0, 1.5)
		investmentRate = clamp(investments/income, 0, 1.5)
		expenseRatio = clamp(expenses/income, 0, 2)
		debtToIncome = clamp(debtOutstanding/income, 0, 2)
	}
	setValue(kpis, core.KPISavingsRate, savingsRate)
	setValue(kpis, core.KPIInvestmentRate, investmentRate)
	setValue(kpis, core.KPIExpenseRatio, expenseRatio)
	setValue(kpis, core.KPIDebtToIncome, debtToIncome)
}

func setValue(kpis map[string]core.KPI, key string, value float64) {
	kpi := kpis[key]
	kpi.Value = value
	kpis[key] = kpi
}

const projectedSuffix = " (projected)"

// storyCurrency reads the code stamped on the monetary KPIs; insights stored
// before the stamp existed fall back to MYR.
func storyCurrency(kpis map[string]core.KPI) string {
	for _, key := range []string{core.KPIIncome, core.KPIExpenses, core.KPICashFlow} {
		if kpi, ok := kpis[key]; ok && kpi.Currency != "" {
			return kpi.Currency
		}
	}
	return "MYR"
}

func projectedStory(projected *core.MonthlyInsight) string {
	story := insight.BuildStory(projected.Month, storyCurrency(projected.KPIs), projected.KPIs)
	if len(story)+len(projectedSuffix) > 400 {
		story = story[:400-len(projectedSuffix)-3] + "..."
	}
	return story + projectedSuffix
}
