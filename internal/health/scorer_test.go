package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

func kpiSet(income, cashFlow, savingsRate, debtToIncome, investmentRate float64) map[string]core.KPI {
	return map[string]core.KPI{
		core.KPIIncome:         {Key: core.KPIIncome, Value: income},
		core.KPICashFlow:       {Key: core.KPICashFlow, Value: cashFlow},
		core.KPISavingsRate:    {Key: core.KPISavingsRate, Value: savingsRate},
		core.KPIDebtToIncome:   {Key: core.KPIDebtToIncome, Value: debtToIncome},
		core.KPIInvestmentRate: {Key: core.KPIInvestmentRate, Value: investmentRate},
	}
}

func TestScore_TotalIsWeightedSum(t *testing.T) {
	score := Score(kpiSet(10_000, 2_000, 0.25, 0.4, 0.1))

	require.Len(t, score.Components, 4)
	var weighted, weights float64
	for _, c := range score.Components {
		weighted += c.Score * c.Weight
		weights += c.Weight
	}
	assert.InDelta(t, 1.0, weights, 1e-9)
	assert.InDelta(t, weighted, score.Total, 1e-3)
}

func TestScore_ComponentsRoundedToThreeDecimals(t *testing.T) {
	score := Score(kpiSet(9_000, 1_234, 0.333, 0.123, 0.077))
	for _, c := range score.Components {
		assert.InDelta(t, c.Score, float64(int(c.Score*1000+0.5))/1000, 1e-9)
	}
}

func TestScoreCashFlow_ZeroIncomeIsNeutral(t *testing.T) {
	assert.Equal(t, 0.5, ScoreCashFlow(0, 500))
	assert.Equal(t, 0.5, ScoreCashFlow(-10, 500))
}

func TestScoreDebtToIncome_NoDebtIsPerfect(t *testing.T) {
	assert.Equal(t, 1.0, ScoreDebtToIncome(0))
	assert.Equal(t, 1.0, ScoreDebtToIncome(-0.1))
}

func TestScore_BoundedZeroToOne(t *testing.T) {
	extremes := []map[string]core.KPI{
		kpiSet(0, 0, 0, 0, 0),
		kpiSet(1, -1_000_000, 0, 2, 0),
		kpiSet(1_000_000, 1_000_000, 1.5, 0, 1.5),
	}
	for _, kpis := range extremes {
		total := Score(kpis).Total
		assert.GreaterOrEqual(t, total, 0.0)
		assert.LessOrEqual(t, total, 1.0)
	}
}

func TestScore_NotesNameWeakestArea(t *testing.T) {
	score := Score(kpiSet(10_000, -2_000, 0.05, 1.8, 0))
	assert.NotEmpty(t, score.Notes)
}
