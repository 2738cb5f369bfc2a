package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dompet/backend/internal/actions"
	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/health"
	"github.com/dompet/backend/internal/identity"
	"github.com/dompet/backend/internal/insight"
	"github.com/dompet/backend/internal/simulate"
)

// ============================================================
// Health
// ============================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"ok": true}

	if r.URL.Query().Get("verbose") != "" {
		body["components"] = map[string]string{
			"database": s.pingStatus(r, s.database),
			"redis":    s.pingStatus(r, s.redis),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) pingStatus(r *http.Request, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(r.Context()); err != nil {
		return "error"
	}
	return "ok"
}

// ============================================================
// Insights
// ============================================================

func validMonth(month string) bool {
	_, err := time.Parse("2006-01", month)
	return err == nil
}

func (s *Server) loadInsight(r *http.Request, scope core.AuthenticatedUser, month string) (*core.MonthlyInsight, error) {
	if month != "" && !validMonth(month) {
		return nil, core.ValidationError([]string{"month must be YYYY-MM"})
	}
	var ins *core.MonthlyInsight
	var err error
	if month == "" {
		ins, err = s.insights.Latest(r.Context(), scope.UserID)
	} else {
		ins, err = s.insights.Get(r.Context(), scope.UserID, month)
	}
	if err != nil {
		return nil, err
	}
	if ins == nil {
		if month == "" {
			return nil, core.E(core.CodeInsightNotFound, "no insights computed yet")
		}
		return nil, core.E(core.CodeInsightNotFound, "no insight for %s", month)
	}
	return ins, nil
}

func (s *Server) handleGetInsights(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())
	ins, err := s.loadInsight(r, scope, r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"month": ins.Month,
		"kpis":  ins.KPIs,
		"story": ins.Story,
	})
}

type transactionInput struct {
	Amount      core.Amount `json:"amount"`
	Currency    string      `json:"currency"`
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	OccurredAt  string      `json:"occurredAt"`
}

func (in transactionInput) toTransaction(scope core.AuthenticatedUser, fallback time.Time) (core.Transaction, []string) {
	var issues []string
	txType := core.TransactionType(in.Type)
	if in.Type == "" {
		txType = core.TxExpense
	} else if !core.ValidTransactionType(txType) {
		issues = append(issues, "type must be one of income, expense, investment, debt, transfer")
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = "MYR"
	} else if len(currency) != 3 {
		issues = append(issues, "currency must be a 3-letter code")
	}

	occurredAt := fallback
	if in.OccurredAt != "" {
		parsed := false
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, in.OccurredAt); err == nil {
				occurredAt = t.UTC()
				parsed = true
				break
			}
		}
		if !parsed {
			issues = append(issues, "occurredAt must be RFC3339 or YYYY-MM-DD")
		}
	}

	return core.Transaction{
		TenantID:    scope.TenantID,
		CustomerID:  scope.CustomerID,
		Amount:      in.Amount.Decimal,
		Currency:    currency,
		Type:        txType,
		Category:    in.Category,
		Description: in.Description,
		OccurredAt:  occurredAt,
	}, issues
}

type computeInsightsRequest struct {
	Month        string               `json:"month"`
	Transactions []transactionInput   `json:"transactions"`
	Balances     *core.Balances       `json:"balances"`
	Goals        map[string]float64   `json:"goals"`
	Previous     *core.MonthlyInsight `json:"previous"`
}

// actionPayload flattens a suggestion with its projected impact figures.
func actionPayload(kpis map[string]core.KPI, score core.HealthScore, a core.SuggestedAction) map[string]interface{} {
	return map[string]interface{}{
		"id":          a.ID,
		"title":       a.Title,
		"description": a.Description,
		"category":    a.Category,
		"rationale":   a.Rationale,
		"impact_myr":  actions.Impact(kpis, a.Category),
		"score_delta": actions.ScoreDelta(score, a.Category),
	}
}

func (s *Server) handleComputeInsights(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())

	var req computeInsightsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !validMonth(req.Month) {
		writeError(w, core.ValidationError([]string{"month must be YYYY-MM"}))
		return
	}

	fallback := s.now().UTC()
	txs := make([]core.Transaction, 0, len(req.Transactions))
	var issues []string
	for i, in := range req.Transactions {
		tx, txIssues := in.toTransaction(scope, fallback)
		for _, issue := range txIssues {
			issues = append(issues, "transactions["+strconv.Itoa(i)+"]: "+issue)
		}
		txs = append(txs, tx)
	}
	if len(issues) > 0 {
		writeError(w, core.ValidationError(issues))
		return
	}

	ins, err := s.insights.ComputeAndStore(r.Context(), insight.Input{
		UserID:       scope.UserID,
		Month:        req.Month,
		Transactions: txs,
		Balances:     req.Balances,
		Goals:        req.Goals,
		Previous:     req.Previous,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	score := health.Score(ins.KPIs)
	suggested := actions.Suggest(ins.KPIs, score)
	actionList := make([]map[string]interface{}, 0, len(suggested))
	for _, a := range suggested {
		actionList = append(actionList, actionPayload(ins.KPIs, score, a))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"insight": map[string]interface{}{
			"id":    ins.ID,
			"month": ins.Month,
			"kpis":  ins.KPIs,
			"story": ins.Story,
		},
		"score":   score,
		"actions": actionList,
	})
}

// ============================================================
// Score & simulation
// ============================================================

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())
	ins, err := s.loadInsight(r, scope, r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, err)
		return
	}
	score := health.Score(ins.KPIs)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"month":      ins.Month,
		"score":      math.Round(score.Total * 100),
		"components": score.Components,
		"notes":      score.Notes,
	})
}

type simulateRequest struct {
	InsightID string   `json:"insightId"`
	Month     string   `json:"month"`
	Actions   []string `json:"actions"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())

	var req simulateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, core.ValidationError([]string{"actions must name at least one action"}))
		return
	}

	month := req.Month
	if req.InsightID != "" {
		// Insight ids are "{userId}:{month}"; an id outside the caller's
		// scope reads as absent, never as someone else's data.
		userID, idMonth, ok := strings.Cut(req.InsightID, ":")
		if !ok || userID != scope.UserID {
			writeError(w, core.E(core.CodeInsightNotFound, "no insight %s", req.InsightID))
			return
		}
		month = idMonth
	}

	ins, err := s.loadInsight(r, scope, month)
	if err != nil {
		writeError(w, err)
		return
	}

	result := simulate.Run(ins, req.Actions)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kpis":  result.ProjectedInsight.KPIs,
		"story": result.ProjectedInsight.Story,
		"score": result.ProjectedHealth,
	})
}

// ============================================================
// Benchmarks & leaderboard
// ============================================================

func (s *Server) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())
	cohorts, err := s.benchmarks.Benchmarks(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cohorts": cohorts})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())
	report, err := s.benchmarks.Leaderboard(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ============================================================
// Preferences
// ============================================================

var allowedPreferenceKeys = map[string]bool{
	"categories":        true,
	"notifications":     true,
	"goals":             true,
	"allowBenchmarking": true,
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())
	customer, err := s.customers.GetByID(r.Context(), scope.CustomerID)
	if err != nil {
		writeError(w, err)
		return
	}
	prefs := map[string]interface{}{}
	if customer != nil {
		if existing, ok := customer.Metadata["preferences"].(map[string]interface{}); ok {
			prefs = existing
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"preferences": prefs})
}

type setPreferencesRequest struct {
	Preferences map[string]interface{} `json:"preferences"`
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())

	var req setPreferencesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Preferences == nil {
		writeError(w, core.ValidationError([]string{"preferences object is required"}))
		return
	}
	var issues []string
	for key := range req.Preferences {
		if !allowedPreferenceKeys[key] {
			issues = append(issues, "unknown preference "+key)
		}
	}
	if len(issues) > 0 {
		writeError(w, core.ValidationError(issues))
		return
	}

	customer, err := s.customers.GetByID(r.Context(), scope.CustomerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if customer == nil {
		writeError(w, core.E(core.CodeNotFound, "customer not found"))
		return
	}

	metadata := customer.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	prefs, _ := metadata["preferences"].(map[string]interface{})
	if prefs == nil {
		prefs = map[string]interface{}{}
	}
	for key, value := range req.Preferences {
		prefs[key] = value
	}
	metadata["preferences"] = prefs

	if err := s.customers.UpdateMetadata(r.Context(), customer.ID, metadata); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"preferences": prefs})
}
