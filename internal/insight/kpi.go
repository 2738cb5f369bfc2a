// Package insight computes the per-user monthly KPI set, its narrative story
// and the embedding vector stored in vector memory.
package insight

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/dompet/backend/internal/core"
)

// Input is everything ComputeMonthly needs. Transactions carry decimal
// amounts; float arithmetic starts only after aggregation.
type Input struct {
	UserID       string
	Month        string // YYYY-MM
	Transactions []core.Transaction
	Balances     *core.Balances
	Goals        map[string]float64
	Previous     *core.MonthlyInsight
}

// Result bundles the insight with the deterministic fallback vector used
// when no external embedder is configured.
type Result struct {
	Insight        *core.MonthlyInsight
	FallbackVector []float32
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// ComputeMonthly is a pure function over its input: same input, same KPIs,
// byte for byte (CreatedAt excepted, which the caller stamps).
func ComputeMonthly(in Input) Result {
	var income, expenses, investments, debtPayments decimal.Decimal
	categoryTotals := map[string]decimal.Decimal{}

	for _, tx := range in.Transactions {
		abs := tx.Amount.Abs()
		switch tx.Type {
		case core.TxIncome:
			income = income.Add(abs)
		case core.TxExpense:
			expenses = expenses.Add(abs)
			if tx.Category != "" {
				categoryTotals[tx.Category] = categoryTotals[tx.Category].Add(abs)
			}
		case core.TxInvestment:
			investments = investments.Add(abs)
		case core.TxDebt:
			debtPayments = debtPayments.Add(abs)
		}
	}

	incomeF, _ := income.Float64()
	expensesF, _ := expenses.Float64()
	investmentsF, _ := investments.Float64()
	debtPaymentsF, _ := debtPayments.Float64()
	cashFlow := incomeF - expensesF - investmentsF - debtPaymentsF

	var savingsRate, investmentRate, expenseRatio, debtToIncome float64
	if incomeF > 0 {
		savingsRate = clamp((incomeF-expensesF)/incomeF, 0, 1.5)
		investmentRate = clamp(investmentsF/incomeF, 0, 1.5)
		expenseRatio = clamp(expensesF/incomeF, 0, 2)
	}

	var cash, investBalance, debtOutstanding float64
	if in.Balances != nil {
		cash = in.Balances.Cash
		investBalance = in.Balances.Investments
		debtOutstanding = in.Balances.Debt
	}
	if incomeF > 0 {
		debtToIncome = clamp(debtOutstanding/incomeF, 0, 2)
	}
	netWorth := cash + investBalance - debtOutstanding

	topLabel, topShare := topExpenseCategory(categoryTotals, expenses)

	kpis := map[string]core.KPI{
		core.KPIIncome:          {Key: core.KPIIncome, Label: "Income", Value: incomeF, Unit: core.UnitCurrency},
		core.KPIExpenses:        {Key: core.KPIExpenses, Label: "Expenses", Value: expensesF, Unit: core.UnitCurrency},
		core.KPIInvestments:     {Key: core.KPIInvestments, Label: "Investments", Value: investmentsF, Unit: core.UnitCurrency},
		core.KPIDebtPayments:    {Key: core.KPIDebtPayments, Label: "Debt Payments", Value: debtPaymentsF, Unit: core.UnitCurrency},
		core.KPICashFlow:        {Key: core.KPICashFlow, Label: "Cash Flow", Value: cashFlow, Unit: core.UnitCurrency},
		core.KPISavingsRate:     {Key: core.KPISavingsRate, Label: "Savings Rate", Value: savingsRate, Unit: core.UnitRatio},
		core.KPIInvestmentRate:  {Key: core.KPIInvestmentRate, Label: "Investment Rate", Value: investmentRate, Unit: core.UnitRatio},
		core.KPIDebtToIncome:    {Key: core.KPIDebtToIncome, Label: "Debt To Income", Value: debtToIncome, Unit: core.UnitRatio},
		core.KPIExpenseRatio:    {Key: core.KPIExpenseRatio, Label: "Expense Ratio", Value: expenseRatio, Unit: core.UnitRatio},
		core.KPIDebtOutstanding: {Key: core.KPIDebtOutstanding, Label: "Outstanding Debt", Value: debtOutstanding, Unit: core.UnitCurrency},
		core.KPINetWorth:        {Key: core.KPINetWorth, Label: "Net Worth", Value: netWorth, Unit: core.UnitCurrency},
		core.KPITopExpenseCategory: {
			Key: core.KPITopExpenseCategory, Label: topLabel, Value: topShare, Unit: core.UnitPercentage,
		},
	}

	if in.Previous != nil {
		if prev, ok := in.Previous.KPIs[core.KPINetWorth]; ok {
			delta := netWorth - prev.Value
			kpi := kpis[core.KPINetWorth]
			kpi.Delta = &delta
			kpis[core.KPINetWorth] = kpi
		}
	}

	for key, goal := range in.Goals {
		if kpi, ok := kpis[key]; ok {
			g := goal
			kpi.Goal = &g
			kpis[key] = kpi
		}
	}

	currency := "MYR"
	if len(in.Transactions) > 0 && in.Transactions[0].Currency != "" {
		currency = in.Transactions[0].Currency
	}
	for key, kpi := range kpis {
		if kpi.Unit == core.UnitCurrency {
			kpi.Currency = currency
			kpis[key] = kpi
		}
	}

	ins := &core.MonthlyInsight{
		ID:     core.InsightID(in.UserID, in.Month),
		UserID: in.UserID,
		Month:  in.Month,
		KPIs:   kpis,
		Story:  BuildStory(in.Month, currency, kpis),
	}

	return Result{Insight: ins, FallbackVector: FallbackVector(kpis)}
}

func topExpenseCategory(totals map[string]decimal.Decimal, expenses decimal.Decimal) (string, float64) {
	if len(totals) == 0 || expenses.IsZero() {
		return "general expenses", 0
	}
	best := ""
	bestTotal := decimal.Zero
	for category, total := range totals {
		// Deterministic tie-break on the category name keeps the engine
		// referentially transparent across map iteration orders.
		if total.GreaterThan(bestTotal) || (total.Equal(bestTotal) && (best == "" || category < best)) {
			best, bestTotal = category, total
		}
	}
	share, _ := bestTotal.Div(expenses).Float64()
	return best, clamp(share, 0, 1)
}

// FallbackVector builds the 7-dimension deterministic embedding used when no
// external embedder is available: scaled currency magnitudes followed by the
// four rate KPIs.
func FallbackVector(kpis map[string]core.KPI) []float32 {
	income := kpis[core.KPIIncome].Value
	expenses := kpis[core.KPIExpenses].Value
	cashFlow := kpis[core.KPICashFlow].Value

	scale := math.Max(math.Max(income, expenses), math.Max(math.Abs(cashFlow), 1))
	vec := []float64{
		clamp(income/scale, -1, 1),
		clamp(expenses/scale, -1, 1),
		clamp(cashFlow/scale, -1, 1),
		clamp(kpis[core.KPISavingsRate].Value, 0, 1),
		clamp(kpis[core.KPIInvestmentRate].Value, 0, 1),
		clamp(kpis[core.KPIDebtToIncome].Value, 0, 1),
		clamp(kpis[core.KPIExpenseRatio].Value, 0, 1),
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

// NormalizeL2 scales v to unit length. The zero vector stays zero.
func NormalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
