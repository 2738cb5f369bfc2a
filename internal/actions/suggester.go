// Package actions derives the ordered list of suggested actions from a KPI
// set and its health score.
package actions

import (
	"fmt"
	"math"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/health"
)

// CategoryMultipliers scale the numeric impact and score delta per action
// category.
var CategoryMultipliers = map[string]float64{
	"income":     0.25,
	"expense":    0.30,
	"debt":       0.22,
	"investment": 0.18,
	"savings":    0.20,
}

func goalOr(kpi core.KPI, fallback float64) float64 {
	if kpi.Goal != nil {
		return *kpi.Goal
	}
	return fallback
}

// Suggest evaluates the rules in fixed order. Each action id appears at most
// once; when nothing fires the user gets stay-the-course.
func Suggest(kpis map[string]core.KPI, score core.HealthScore) []core.SuggestedAction {
	var out []core.SuggestedAction

	savings := kpis[core.KPISavingsRate]
	if goal := goalOr(savings, health.DefaultSavingsGoal); savings.Value < goal {
		out = append(out, core.SuggestedAction{
			ID:          core.ActionImproveSavings,
			Title:       "Improve your savings rate",
			Description: "Set aside a slightly larger slice of income before discretionary spending.",
			Category:    "savings",
			Rationale: fmt.Sprintf("Savings rate is %.1f%%, %.1f points short of the %.1f%% goal.",
				savings.Value*100, (goal-savings.Value)*100, goal*100),
			ExpectedImpact: "Raises monthly savings by about 3% of income.",
		})
	}

	expenseRatio := kpis[core.KPIExpenseRatio]
	if goal := goalOr(expenseRatio, health.DefaultExpenseRatioGoal); expenseRatio.Value > goal {
		out = append(out, core.SuggestedAction{
			ID:          core.ActionOptimizeExpenses,
			Title:       "Optimize recurring expenses",
			Description: "Audit subscriptions and the top spending category for quick cuts.",
			Category:    "expense",
			Rationale: fmt.Sprintf("Expenses consume %.1f%% of income, %.1f points above the %.1f%% target.",
				expenseRatio.Value*100, (expenseRatio.Value-goal)*100, goal*100),
			ExpectedImpact: "Trims roughly 5% off monthly expenses.",
		})
	}

	debtRatio := kpis[core.KPIDebtToIncome]
	if goal := goalOr(debtRatio, health.DefaultDebtGoal); debtRatio.Value > goal {
		out = append(out, core.SuggestedAction{
			ID:          core.ActionAccelerateDebt,
			Title:       "Accelerate debt paydown",
			Description: "Direct spare cash flow at the highest-interest balance first.",
			Category:    "debt",
			Rationale: fmt.Sprintf("Debt stands at %.1f%% of income, %.1f points above the %.1f%% threshold.",
				debtRatio.Value*100, (debtRatio.Value-goal)*100, goal*100),
			ExpectedImpact: "Reduces outstanding debt by about 5%.",
		})
	}

	investmentRate := kpis[core.KPIInvestmentRate]
	if goal := goalOr(investmentRate, health.DefaultInvestmentGoal); investmentRate.Value < goal {
		out = append(out, core.SuggestedAction{
			ID:          core.ActionBoostInvestments,
			Title:       "Boost your investments",
			Description: "Automate a small recurring transfer into your investment account.",
			Category:    "investment",
			Rationale: fmt.Sprintf("Investment rate is %.1f%%, %.1f points below the %.1f%% goal.",
				investmentRate.Value*100, (goal-investmentRate.Value)*100, goal*100),
			ExpectedImpact: "Adds about 2% of income to investments each month.",
		})
	}

	if income := kpis[core.KPIIncome].Value; income > 0 {
		if cashFlowScore(score) < 0.5 {
			out = append(out, core.SuggestedAction{
				ID:          core.ActionGrowIncome,
				Title:       "Grow your income",
				Description: "Negative cash flow is hard to fix on the expense side alone; explore additional income.",
				Category:    "income",
				Rationale: fmt.Sprintf("Cash flow scores %.3f, below the 0.5 break-even mark.",
					cashFlowScore(score)),
				ExpectedImpact: "A 3% income increase restores positive cash flow headroom.",
			})
		}
	}

	if len(out) == 0 {
		out = append(out, core.SuggestedAction{
			ID:             core.ActionStayTheCourse,
			Title:          "Stay the course",
			Description:    "Your finances are on track; keep the current habits going.",
			Category:       "savings",
			Rationale:      "All tracked KPIs are meeting their goals.",
			ExpectedImpact: "Maintains your current financial health.",
		})
	}
	return out
}

func cashFlowScore(score core.HealthScore) float64 {
	for _, c := range score.Components {
		if c.Key == core.KPICashFlow {
			return c.Score
		}
	}
	return 1
}

// Impact is the derived numeric impact for an action: a floor of the cash
// flow magnitude, 5% of income, or 100 units, scaled by the category
// multiplier.
func Impact(kpis map[string]core.KPI, category string) float64 {
	base := math.Max(math.Abs(kpis[core.KPICashFlow].Value),
		math.Max(kpis[core.KPIIncome].Value*0.05, 100))
	return base * CategoryMultipliers[category]
}

// ScoreDelta estimates how much of the remaining health headroom an action
// can recover, capped at 0.15.
func ScoreDelta(score core.HealthScore, category string) float64 {
	return math.Min(0.15, (1-score.Total)*CategoryMultipliers[category])
}
