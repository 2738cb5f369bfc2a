package tools

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/insight"
)

// fakeLedger records inserts and enforces the handle uniqueness barrier.
type fakeLedger struct {
	rows map[string]*core.Transaction // keyed tenant/handle
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*core.Transaction{}}
}

func (f *fakeLedger) Insert(_ context.Context, tx *core.Transaction) (*core.Transaction, bool, error) {
	key := tx.TenantID + "/" + tx.IdempotencyHandle
	if existing, ok := f.rows[key]; ok {
		return existing, false, nil
	}
	if tx.ID == "" {
		tx.ID = "tx-" + key
	}
	copied := *tx
	f.rows[key] = &copied
	return &copied, true, nil
}

func (f *fakeLedger) ListMonth(_ context.Context, tenantID, customerID, month string) ([]core.Transaction, error) {
	var out []core.Transaction
	for _, tx := range f.rows {
		if tx.TenantID == tenantID && tx.CustomerID == customerID &&
			tx.OccurredAt.UTC().Format("2006-01") == month {
			out = append(out, *tx)
		}
	}
	return out, nil
}

type fakeInsights struct {
	byID map[string]*core.MonthlyInsight
}

func newFakeInsights() *fakeInsights {
	return &fakeInsights{byID: map[string]*core.MonthlyInsight{}}
}

func (f *fakeInsights) ComputeAndStore(_ context.Context, in insight.Input) (*core.MonthlyInsight, error) {
	ins := insight.ComputeMonthly(in).Insight
	ins.CreatedAt = time.Now().UTC()
	f.byID[ins.ID] = ins
	return ins, nil
}

func (f *fakeInsights) Get(_ context.Context, userID, month string) (*core.MonthlyInsight, error) {
	return f.byID[core.InsightID(userID, month)], nil
}

func (f *fakeInsights) Latest(_ context.Context, userID string) (*core.MonthlyInsight, error) {
	var latest *core.MonthlyInsight
	for _, ins := range f.byID {
		if ins.UserID != userID {
			continue
		}
		if latest == nil || ins.Month > latest.Month {
			latest = ins
		}
	}
	return latest, nil
}

func (f *fakeInsights) List(_ context.Context, userID string, limit int) ([]core.MonthlyInsight, error) {
	var out []core.MonthlyInsight
	for _, ins := range f.byID {
		if ins.UserID == userID && len(out) < limit {
			out = append(out, *ins)
		}
	}
	return out, nil
}

func canonicalRegistry(t *testing.T) (*Registry, *fakeLedger, *fakeInsights) {
	t.Helper()
	ledger := newFakeLedger()
	insights := newFakeInsights()
	reg := NewRegistry(newFakeIdempotencyStore(), zerolog.Nop())
	RegisterCanonical(reg, Deps{
		Transactions: ledger,
		Insights:     insights,
		Now:          func() time.Time { return time.Date(2024, 5, 11, 12, 0, 0, 0, time.UTC) },
	})
	return reg, ledger, insights
}

func TestTransactionsCreate_DerivedKeyDeduplicates(t *testing.T) {
	reg, ledger, _ := canonicalRegistry(t)

	input := map[string]interface{}{
		"transaction": map[string]interface{}{
			"amount":     125000.0,
			"currency":   "idr",
			"occurredAt": "2024-05-11T08:00:00Z",
			"merchant":   "warung makan",
		},
	}

	first := reg.Invoke(context.Background(), testScope, "transactions.create", input)
	require.Equal(t, "ok", first.Status)
	data := first.Data.(map[string]interface{})
	assert.Equal(t, true, data["created"])

	// No idempotencyKey supplied: the content-derived handle still blocks
	// the duplicate at the ledger.
	second := reg.Invoke(context.Background(), testScope, "transactions.create", input)
	require.Equal(t, "ok", second.Status)
	assert.Equal(t, false, second.Data.(map[string]interface{})["created"])
	assert.Len(t, ledger.rows, 1)
}

func TestTransactionsCreate_NormalisesDefaults(t *testing.T) {
	reg, ledger, _ := canonicalRegistry(t)

	res := reg.Invoke(context.Background(), testScope, "transactions.create", map[string]interface{}{
		"transaction": map[string]interface{}{"amount": "RM1,250.50", "description": "groceries"},
	})
	require.Equal(t, "ok", res.Status)

	require.Len(t, ledger.rows, 1)
	for _, tx := range ledger.rows {
		assert.Equal(t, "MYR", tx.Currency)
		assert.Equal(t, core.TxExpense, tx.Type)
		assert.Equal(t, "1250.5", tx.Amount.String())
	}
}

func TestTransactionsCreate_RejectsBadInput(t *testing.T) {
	reg, _, _ := canonicalRegistry(t)

	cases := []map[string]interface{}{
		{},
		{"transaction": map[string]interface{}{}},
		{"transaction": map[string]interface{}{"amount": 10.0, "type": "loan"}},
		{"transaction": map[string]interface{}{"amount": 10.0, "currency": "RINGGIT"}},
	}
	for _, input := range cases {
		res := reg.Invoke(context.Background(), testScope, "transactions.create", input)
		require.Equal(t, "error", res.Status)
		assert.Equal(t, core.CodeValidation, res.Err.Code)
	}
}

func TestInsightsComputeThenReadBack(t *testing.T) {
	reg, _, insights := canonicalRegistry(t)

	res := reg.Invoke(context.Background(), testScope, "insights.compute", map[string]interface{}{
		"month": "2024-05",
		"transactions": []interface{}{
			map[string]interface{}{"amount": 15000000.0, "type": "income", "currency": "MYR"},
			map[string]interface{}{"amount": -850000.0, "type": "expense", "category": "groceries", "currency": "MYR"},
		},
	})
	require.Equal(t, "ok", res.Status)
	require.NotNil(t, insights.byID[core.InsightID(testScope.UserID, "2024-05")])

	score := reg.Invoke(context.Background(), testScope, "health.score",
		map[string]interface{}{"month": "2024-05"})
	require.Equal(t, "ok", score.Status)

	suggest := reg.Invoke(context.Background(), testScope, "actions.suggest",
		map[string]interface{}{"month": "2024-05"})
	require.Equal(t, "ok", suggest.Status)

	sim := reg.Invoke(context.Background(), testScope, "simulations.run", map[string]interface{}{
		"month":   "2024-05",
		"actions": []interface{}{core.ActionImproveSavings},
	})
	require.Equal(t, "ok", sim.Status)
}

func TestReadToolsWithoutInsightReturnNotFound(t *testing.T) {
	reg, _, _ := canonicalRegistry(t)

	for _, tool := range []string{"health.score", "actions.suggest"} {
		res := reg.Invoke(context.Background(), testScope, tool,
			map[string]interface{}{"month": "2030-01"})
		require.Equal(t, "error", res.Status, tool)
		assert.Equal(t, core.CodeInsightNotFound, res.Err.Code, tool)
	}
}

func TestSimulationsRun_RejectsForeignInsightID(t *testing.T) {
	reg, _, insights := canonicalRegistry(t)
	insights.byID["intruder:2024-05"] = &core.MonthlyInsight{
		ID: "intruder:2024-05", UserID: "intruder", Month: "2024-05",
		KPIs: map[string]core.KPI{},
	}

	res := reg.Invoke(context.Background(), testScope, "simulations.run", map[string]interface{}{
		"insightId": "intruder:2024-05",
		"actions":   []interface{}{core.ActionImproveSavings},
	})
	require.Equal(t, "error", res.Status)
	assert.Equal(t, core.CodeInsightNotFound, res.Err.Code)
}
