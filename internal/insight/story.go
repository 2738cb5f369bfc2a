package insight

import (
	"fmt"
	"math"
	"strings"

	"github.com/dompet/backend/internal/core"
)

const (
	storyMinLen = 200
	storyMaxLen = 400
)

// BuildStory renders the fixed three-sentence monthly narrative. The output
// is deterministic for a given KPI set and always lands in [200, 400]
// characters: short stories are padded with '.', long ones are
// ellipsis-truncated.
func BuildStory(month, currency string, kpis map[string]core.KPI) string {
	income := kpis[core.KPIIncome].Value
	expenses := kpis[core.KPIExpenses].Value
	cashFlow := kpis[core.KPICashFlow].Value
	savingsRate := kpis[core.KPISavingsRate].Value
	investmentRate := kpis[core.KPIInvestmentRate].Value
	debtToIncome := kpis[core.KPIDebtToIncome].Value
	top := kpis[core.KPITopExpenseCategory]

	story := fmt.Sprintf(
		"In %s you earned %s and spent %s, ending the month with a cash flow of %s. "+
			"You saved %d%% of your income, invested %d%%, and your outstanding debt stands at %d%% of income. "+
			"Your largest expense category was %s, accounting for %d%% of total spending.",
		month,
		FormatCurrency(currency, income),
		FormatCurrency(currency, expenses),
		FormatCurrency(currency, cashFlow),
		roundPct(savingsRate),
		roundPct(investmentRate),
		roundPct(debtToIncome),
		top.Label,
		roundPct(top.Value),
	)

	if len(story) < storyMinLen {
		story += strings.Repeat(".", storyMinLen-len(story))
	}
	if len(story) > storyMaxLen {
		story = story[:storyMaxLen-3] + "..."
	}
	return story
}

func roundPct(ratio float64) int {
	return int(math.Round(ratio * 100))
}

// FormatCurrency renders "CCY 1,234,567" with the value rounded to the
// nearest whole unit.
func FormatCurrency(currency string, value float64) string {
	rounded := int64(math.Round(value))
	neg := rounded < 0
	if neg {
		rounded = -rounded
	}

	digits := fmt.Sprintf("%d", rounded)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}

	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s %s%s", currency, sign, b.String())
}
