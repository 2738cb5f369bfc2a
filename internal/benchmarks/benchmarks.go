// Package benchmarks builds the two read-only views over opted-in
// customers: cohort averages and an anonymised leaderboard. Nothing here
// ever exposes a user identifier; aliases are derived hashes.
package benchmarks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/health"
)

// AliasEmojiPool is the fixed set of neutral symbols used as alias
// prefixes. Its size feeds the hash modulus, so changing it reshuffles
// every alias.
var AliasEmojiPool = []string{
	"🌱", "🌊", "🌟", "🍀", "🦉", "🐢", "🦊", "🐝", "🌙", "⛰️",
}

// CustomerSource is the slice of the customer directory the aggregator
// reads.
type CustomerSource interface {
	GetByID(ctx context.Context, id string) (*core.Customer, error)
	ListOptedIn(ctx context.Context, tenantID string) ([]core.Customer, error)
}

// InsightSource loads each user's latest insight.
type InsightSource interface {
	LatestPerUser(ctx context.Context, userIDs []string) (map[string]*core.MonthlyInsight, error)
}

// Cohort identifies a (region, incomeBand) bucket.
type Cohort struct {
	Region     string `json:"region"`
	IncomeBand string `json:"income_band"`
}

// CohortMetrics are the per-cohort aggregates.
type CohortMetrics struct {
	IncomeAvg      float64 `json:"income_avg"`
	SavingsRateAvg float64 `json:"savings_rate_avg"`
	SampleSize     int     `json:"sample_size"`
}

// CohortReport is one benchmarks row.
type CohortReport struct {
	Cohort  Cohort        `json:"cohort"`
	Metrics CohortMetrics `json:"metrics"`
}

// LeaderboardRow is one anonymised leaderboard entry.
type LeaderboardRow struct {
	Alias      string  `json:"alias"`
	Score      float64 `json:"score"`
	Region     string  `json:"region"`
	IncomeBand string  `json:"income_band"`
}

// YouRow is the requesting user's own anonymised position.
type YouRow struct {
	Alias string  `json:"alias"`
	Score float64 `json:"score"`
}

// LeaderboardReport bundles the top rows with the caller's own row.
type LeaderboardReport struct {
	Leaderboard []LeaderboardRow `json:"leaderboard"`
	You         *YouRow          `json:"you,omitempty"`
}

// Service computes the two views.
type Service struct {
	customers CustomerSource
	insights  InsightSource
	log       zerolog.Logger
}

// New builds a Service.
func New(customers CustomerSource, insights InsightSource, log zerolog.Logger) *Service {
	return &Service{
		customers: customers,
		insights:  insights,
		log:       log.With().Str("component", "benchmarks").Logger(),
	}
}

// Alias derives the anonymised display name for a user: an emoji picked by
// the hash's first nibble modulo the pool size, followed by six hex chars.
func Alias(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	digest := hex.EncodeToString(sum[:])
	nibble := int(hexNibble(digest[0]))
	return AliasEmojiPool[nibble%len(AliasEmojiPool)] + digest[1:7]
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

// requireOptIn loads the caller and rejects anyone who has not opted in.
func (s *Service) requireOptIn(ctx context.Context, scope core.AuthenticatedUser) error {
	customer, err := s.customers.GetByID(ctx, scope.CustomerID)
	if err != nil {
		return core.WrapE(core.CodeInternal, err, "load customer")
	}
	if customer == nil || !customer.AllowBenchmarking() {
		return core.E(core.CodeBenchmarkOptIn, "benchmarking requires opting in via preferences")
	}
	return nil
}

// optedInInsights loads the tenant's opted-in customers with their latest
// insight, keyed by customer.
func (s *Service) optedInInsights(ctx context.Context, tenantID string) ([]core.Customer, map[string]*core.MonthlyInsight, error) {
	customers, err := s.customers.ListOptedIn(ctx, tenantID)
	if err != nil {
		return nil, nil, core.WrapE(core.CodeInternal, err, "list opted-in customers")
	}
	userIDs := make([]string, 0, len(customers))
	for _, c := range customers {
		userIDs = append(userIDs, c.ExternalReference)
	}
	latest, err := s.insights.LatestPerUser(ctx, userIDs)
	if err != nil {
		return nil, nil, core.WrapE(core.CodeInternal, err, "load latest insights")
	}
	return customers, latest, nil
}

// Benchmarks returns cohort averages over the tenant's opted-in customers.
// The caller must themselves be opted in.
func (s *Service) Benchmarks(ctx context.Context, scope core.AuthenticatedUser) ([]CohortReport, error) {
	if err := s.requireOptIn(ctx, scope); err != nil {
		return nil, err
	}
	customers, latest, err := s.optedInInsights(ctx, scope.TenantID)
	if err != nil {
		return nil, err
	}

	type accumulator struct {
		income  float64
		savings float64
		n       int
	}
	buckets := map[Cohort]*accumulator{}
	for _, c := range customers {
		ins := latest[c.ExternalReference]
		if ins == nil {
			continue
		}
		region, band := c.Profile()
		cohort := Cohort{Region: region, IncomeBand: band}
		acc := buckets[cohort]
		if acc == nil {
			acc = &accumulator{}
			buckets[cohort] = acc
		}
		acc.income += ins.KPIs[core.KPIIncome].Value
		acc.savings += ins.KPIs[core.KPISavingsRate].Value
		acc.n++
	}

	out := make([]CohortReport, 0, len(buckets))
	for cohort, acc := range buckets {
		out = append(out, CohortReport{
			Cohort: cohort,
			Metrics: CohortMetrics{
				IncomeAvg:      acc.income / float64(acc.n),
				SavingsRateAvg: acc.savings / float64(acc.n),
				SampleSize:     acc.n,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cohort.Region != out[j].Cohort.Region {
			return out[i].Cohort.Region < out[j].Cohort.Region
		}
		return out[i].Cohort.IncomeBand < out[j].Cohort.IncomeBand
	})
	return out, nil
}

// Leaderboard returns the top ten opted-in users by health score, fully
// anonymised, plus the caller's own row under their alias.
func (s *Service) Leaderboard(ctx context.Context, scope core.AuthenticatedUser) (*LeaderboardReport, error) {
	if err := s.requireOptIn(ctx, scope); err != nil {
		return nil, err
	}
	customers, latest, err := s.optedInInsights(ctx, scope.TenantID)
	if err != nil {
		return nil, err
	}

	report := &LeaderboardReport{Leaderboard: []LeaderboardRow{}}
	for _, c := range customers {
		ins := latest[c.ExternalReference]
		if ins == nil {
			continue
		}
		region, band := c.Profile()
		score := math.Round(health.Score(ins.KPIs).Total * 100)
		row := LeaderboardRow{
			Alias:      Alias(c.ExternalReference),
			Score:      score,
			Region:     region,
			IncomeBand: band,
		}
		report.Leaderboard = append(report.Leaderboard, row)
		if c.ExternalReference == scope.UserID {
			report.You = &YouRow{Alias: row.Alias, Score: row.Score}
		}
	}

	sort.SliceStable(report.Leaderboard, func(i, j int) bool {
		if report.Leaderboard[i].Score != report.Leaderboard[j].Score {
			return report.Leaderboard[i].Score > report.Leaderboard[j].Score
		}
		return report.Leaderboard[i].Alias < report.Leaderboard[j].Alias
	})
	if len(report.Leaderboard) > 10 {
		report.Leaderboard = report.Leaderboard[:10]
	}
	return report, nil
}
