package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/insight"
)

type fakeDirectory struct {
	customers map[string]*core.Customer
}

func (f *fakeDirectory) GetByID(_ context.Context, id string) (*core.Customer, error) {
	return f.customers[id], nil
}

func (f *fakeDirectory) ListOptedIn(_ context.Context, tenantID string) ([]core.Customer, error) {
	var out []core.Customer
	for _, c := range f.customers {
		if c.TenantID == tenantID && c.AllowBenchmarking() {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeLatest struct {
	byUser map[string]*core.MonthlyInsight
}

func (f *fakeLatest) LatestPerUser(_ context.Context, userIDs []string) (map[string]*core.MonthlyInsight, error) {
	out := map[string]*core.MonthlyInsight{}
	for _, id := range userIDs {
		if ins, ok := f.byUser[id]; ok {
			out[id] = ins
		}
	}
	return out, nil
}

func optedInCustomer(userID, region, band string) *core.Customer {
	return &core.Customer{
		ID:                "customer-" + userID,
		TenantID:          "tenant-1",
		ExternalReference: userID,
		Metadata: map[string]interface{}{
			"preferences": map[string]interface{}{"allowBenchmarking": true},
			"profile":     map[string]interface{}{"region": region, "incomeBand": band},
		},
	}
}

func insightFor(userID string, income, expenses int64) *core.MonthlyInsight {
	return insight.ComputeMonthly(insight.Input{
		UserID: userID,
		Month:  "2024-05",
		Transactions: []core.Transaction{
			{Amount: decimal.NewFromInt(income), Currency: "MYR", Type: core.TxIncome},
			{Amount: decimal.NewFromInt(-expenses), Currency: "MYR", Type: core.TxExpense, Category: "living"},
		},
	}).Insight
}

func fixture(opted int) (*Service, core.AuthenticatedUser) {
	dir := &fakeDirectory{customers: map[string]*core.Customer{}}
	latest := &fakeLatest{byUser: map[string]*core.MonthlyInsight{}}

	for i := 0; i < opted; i++ {
		userID := fmt.Sprintf("user-%d", i)
		c := optedInCustomer(userID, "selangor", "middle")
		dir.customers[c.ID] = c
		// Spread expenses so scores differ per user.
		latest.byUser[userID] = insightFor(userID, 10_000, int64(1_000+i*500))
	}

	scope := core.AuthenticatedUser{
		UserID: "user-0", TenantID: "tenant-1", CustomerID: "customer-user-0",
	}
	return New(dir, latest, zerolog.Nop()), scope
}

func TestAlias_DeterministicAndAnonymous(t *testing.T) {
	a := Alias("user-42")
	assert.Equal(t, a, Alias("user-42"))
	assert.NotEqual(t, a, Alias("user-43"))
	assert.NotContains(t, a, "user")

	found := false
	for _, emoji := range AliasEmojiPool {
		if len(a) > len(emoji) && a[:len(emoji)] == emoji {
			found = true
			assert.Len(t, a[len(emoji):], 6)
		}
	}
	assert.True(t, found, "alias must start with a pool emoji")
}

func TestBenchmarks_RequiresOptIn(t *testing.T) {
	dir := &fakeDirectory{customers: map[string]*core.Customer{
		"customer-user-0": {
			ID: "customer-user-0", TenantID: "tenant-1", ExternalReference: "user-0",
		},
	}}
	svc := New(dir, &fakeLatest{}, zerolog.Nop())
	scope := core.AuthenticatedUser{UserID: "user-0", TenantID: "tenant-1", CustomerID: "customer-user-0"}

	_, err := svc.Benchmarks(context.Background(), scope)
	require.Error(t, err)
	assert.Equal(t, core.CodeBenchmarkOptIn, core.AsError(err).Code)

	_, err = svc.Leaderboard(context.Background(), scope)
	require.Error(t, err)
	assert.Equal(t, core.CodeBenchmarkOptIn, core.AsError(err).Code)
}

func TestBenchmarks_CohortAveragesAndSampleSize(t *testing.T) {
	dir := &fakeDirectory{customers: map[string]*core.Customer{}}
	latest := &fakeLatest{byUser: map[string]*core.MonthlyInsight{}}

	for i, spec := range []struct {
		region, band     string
		income, expenses int64
	}{
		{"selangor", "middle", 10_000, 8_000},
		{"selangor", "middle", 12_000, 6_000},
		{"penang", "upper", 20_000, 5_000},
	} {
		userID := fmt.Sprintf("user-%d", i)
		c := optedInCustomer(userID, spec.region, spec.band)
		dir.customers[c.ID] = c
		latest.byUser[userID] = insightFor(userID, spec.income, spec.expenses)
	}

	svc := New(dir, latest, zerolog.Nop())
	scope := core.AuthenticatedUser{UserID: "user-0", TenantID: "tenant-1", CustomerID: "customer-user-0"}

	reports, err := svc.Benchmarks(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	// Sorted region then band: penang before selangor.
	assert.Equal(t, Cohort{Region: "penang", IncomeBand: "upper"}, reports[0].Cohort)
	assert.Equal(t, 1, reports[0].Metrics.SampleSize)

	selangor := reports[1]
	assert.Equal(t, 2, selangor.Metrics.SampleSize)
	assert.InDelta(t, 11_000, selangor.Metrics.IncomeAvg, 1e-6)
	// Savings rates 0.2 and 0.5 average to 0.35.
	assert.InDelta(t, 0.35, selangor.Metrics.SavingsRateAvg, 1e-9)
}

func TestBenchmarks_UnknownProfileBuckets(t *testing.T) {
	dir := &fakeDirectory{customers: map[string]*core.Customer{}}
	latest := &fakeLatest{byUser: map[string]*core.MonthlyInsight{}}

	c := &core.Customer{
		ID: "customer-user-0", TenantID: "tenant-1", ExternalReference: "user-0",
		Metadata: map[string]interface{}{
			"preferences": map[string]interface{}{"allowBenchmarking": true},
		},
	}
	dir.customers[c.ID] = c
	latest.byUser["user-0"] = insightFor("user-0", 10_000, 8_000)

	svc := New(dir, latest, zerolog.Nop())
	scope := core.AuthenticatedUser{UserID: "user-0", TenantID: "tenant-1", CustomerID: "customer-user-0"}

	reports, err := svc.Benchmarks(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, Cohort{Region: "unknown", IncomeBand: "unknown"}, reports[0].Cohort)
}

func TestLeaderboard_TopTenAnonymised(t *testing.T) {
	svc, scope := fixture(14)

	report, err := svc.Leaderboard(context.Background(), scope)
	require.NoError(t, err)

	assert.Len(t, report.Leaderboard, 10)
	for i, row := range report.Leaderboard {
		assert.NotContains(t, row.Alias, "user", "row %d leaks an identifier", i)
		assert.NotEqual(t, "You", row.Alias)
		if i > 0 {
			assert.GreaterOrEqual(t, report.Leaderboard[i-1].Score, row.Score)
		}
	}

	// user-0 has the lowest expenses, so the highest score: their own row is
	// present under their alias, not a "You" label.
	require.NotNil(t, report.You)
	assert.Equal(t, Alias("user-0"), report.You.Alias)
	assert.Equal(t, report.Leaderboard[0].Score, report.You.Score)
}

func TestLeaderboard_CustomersWithoutInsightsAreSkipped(t *testing.T) {
	dir := &fakeDirectory{customers: map[string]*core.Customer{}}
	latest := &fakeLatest{byUser: map[string]*core.MonthlyInsight{}}

	withInsight := optedInCustomer("user-0", "selangor", "middle")
	without := optedInCustomer("user-1", "selangor", "middle")
	dir.customers[withInsight.ID] = withInsight
	dir.customers[without.ID] = without
	latest.byUser["user-0"] = insightFor("user-0", 10_000, 5_000)

	svc := New(dir, latest, zerolog.Nop())
	scope := core.AuthenticatedUser{UserID: "user-0", TenantID: "tenant-1", CustomerID: "customer-user-0"}

	report, err := svc.Leaderboard(context.Background(), scope)
	require.NoError(t, err)
	assert.Len(t, report.Leaderboard, 1)
}
