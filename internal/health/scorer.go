// Package health turns a KPI set into a weighted 0..1 financial health score.
package health

import (
	"fmt"
	"math"

	"github.com/dompet/backend/internal/core"
)

// Component weights. They sum to 1 so the total stays in [0, 1].
const (
	WeightCashFlow       = 0.35
	WeightSavingsRate    = 0.25
	WeightDebtToIncome   = 0.20
	WeightInvestmentRate = 0.20
)

// Default goals applied when a KPI carries none.
const (
	DefaultSavingsGoal      = 0.2
	DefaultExpenseRatioGoal = 0.5
	DefaultDebtGoal         = 0.35
	DefaultInvestmentGoal   = 0.15
)

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// ScoreCashFlow scores cash flow relative to income. No income means no
// signal, which scores a neutral 0.5.
func ScoreCashFlow(income, cashFlow float64) float64 {
	if income <= 0 {
		return 0.5
	}
	return clamp((cashFlow/income+1)/2, 0, 1)
}

// ScoreSavingsRate scores the savings rate directly, capped at 1.
func ScoreSavingsRate(savingsRate float64) float64 {
	return clamp(savingsRate, 0, 1)
}

// ScoreDebtToIncome rewards low debt ratios; zero debt is a perfect score.
func ScoreDebtToIncome(debtRatio float64) float64 {
	if debtRatio <= 0 {
		return 1
	}
	return clamp(1-debtRatio, 0, 1)
}

// ScoreInvestmentRate treats 30% of income invested as a full score.
func ScoreInvestmentRate(investmentRate float64) float64 {
	return clamp(investmentRate/0.3, 0, 1)
}

// Score computes the weighted health score with per-component rationale.
// Component scores are rounded to 3 decimals; the total is the weighted sum
// of the rounded components.
func Score(kpis map[string]core.KPI) core.HealthScore {
	income := kpis[core.KPIIncome].Value
	cashFlow := kpis[core.KPICashFlow].Value
	savingsRate := kpis[core.KPISavingsRate].Value
	debtRatio := kpis[core.KPIDebtToIncome].Value
	investmentRate := kpis[core.KPIInvestmentRate].Value

	components := []core.HealthComponent{
		{Key: core.KPICashFlow, Label: "Cash Flow", Score: round3(ScoreCashFlow(income, cashFlow)), Weight: WeightCashFlow},
		{Key: core.KPISavingsRate, Label: "Savings Rate", Score: round3(ScoreSavingsRate(savingsRate)), Weight: WeightSavingsRate},
		{Key: core.KPIDebtToIncome, Label: "Debt To Income", Score: round3(ScoreDebtToIncome(debtRatio)), Weight: WeightDebtToIncome},
		{Key: core.KPIInvestmentRate, Label: "Investment Rate", Score: round3(ScoreInvestmentRate(investmentRate)), Weight: WeightInvestmentRate},
	}

	var total float64
	for _, c := range components {
		total += c.Weight * c.Score
	}

	return core.HealthScore{
		Total:      round3(total),
		Components: components,
		Notes:      buildNotes(kpis, components),
	}
}

// buildNotes flags every KPI missing its declared goal; when everything is
// on target it surfaces the weakest component instead.
func buildNotes(kpis map[string]core.KPI, components []core.HealthComponent) []string {
	notes := []string{}

	// Goal direction depends on the KPI: rates below goal fail for savings
	// and investments, rates above goal fail for debt and expenses.
	for _, key := range []string{core.KPISavingsRate, core.KPIInvestmentRate} {
		if kpi, ok := kpis[key]; ok && kpi.Goal != nil && kpi.Value < *kpi.Goal {
			notes = append(notes, fmt.Sprintf("%s is %.1f%%, below the %.1f%% goal", kpi.Label, kpi.Value*100, *kpi.Goal*100))
		}
	}
	for _, key := range []string{core.KPIDebtToIncome, core.KPIExpenseRatio} {
		if kpi, ok := kpis[key]; ok && kpi.Goal != nil && kpi.Value > *kpi.Goal {
			notes = append(notes, fmt.Sprintf("%s is %.1f%%, above the %.1f%% goal", kpi.Label, kpi.Value*100, *kpi.Goal*100))
		}
	}

	if len(notes) == 0 {
		lowest := components[0]
		for _, c := range components[1:] {
			if c.Score < lowest.Score {
				lowest = c
			}
		}
		notes = append(notes, fmt.Sprintf("%s is your weakest area", lowest.Label))
	}
	return notes
}
