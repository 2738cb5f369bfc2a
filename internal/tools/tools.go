package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/dompet/backend/internal/actions"
	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/health"
	"github.com/dompet/backend/internal/insight"
	"github.com/dompet/backend/internal/simulate"
)

// ============================================================
// Dependencies
// ============================================================

// TransactionStore is the ledger slice the canonical tools need.
type TransactionStore interface {
	Insert(ctx context.Context, tx *core.Transaction) (*core.Transaction, bool, error)
	ListMonth(ctx context.Context, tenantID, customerID, month string) ([]core.Transaction, error)
}

// InsightService covers the insight engine operations the tools call.
type InsightService interface {
	ComputeAndStore(ctx context.Context, in insight.Input) (*core.MonthlyInsight, error)
	Get(ctx context.Context, userID, month string) (*core.MonthlyInsight, error)
	Latest(ctx context.Context, userID string) (*core.MonthlyInsight, error)
	List(ctx context.Context, userID string, limit int) ([]core.MonthlyInsight, error)
}

// Deps bundles what the canonical tool set operates on.
type Deps struct {
	Transactions TransactionStore
	Insights     InsightService
	Now          func() time.Time
}

// RegisterCanonical installs the canonical tool set on the registry.
func RegisterCanonical(reg *Registry, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	reg.Register(createTransactionTool(deps))
	reg.Register(listTransactionsTool(deps))
	reg.Register(computeInsightTool(deps))
	reg.Register(listInsightsTool(deps))
	reg.Register(healthScoreTool(deps))
	reg.Register(suggestActionsTool(deps))
	reg.Register(runSimulationTool(deps))
}

// decodeInto round-trips a loosely typed value into a typed struct, which
// also runs the custom unmarshallers (Amount, time coercion).
func decodeInto(value interface{}, out interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func monthOrCurrent(input map[string]interface{}, now func() time.Time) string {
	if month, _ := input["month"].(string); month != "" {
		return month
	}
	return now().UTC().Format("2006-01")
}

// ============================================================
// transactions.create
// ============================================================

type transactionPayload struct {
	Amount      *core.Amount `json:"amount"`
	Currency    string       `json:"currency"`
	Type        string       `json:"type"`
	Category    string       `json:"category"`
	Description string       `json:"description"`
	Merchant    string       `json:"merchant"`
	Notes       string       `json:"notes"`
	OccurredAt  string       `json:"occurredAt"`
}

// DeriveTransactionKey builds the content-derived deduplication handle for a
// transaction: SHA256 over the identifying fields, truncated to 24 hex chars.
func DeriveTransactionKey(tenantID, customerID string, occurredAt time.Time, amount string, descriptionOrNotes string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte(customerID))
	h.Write([]byte(occurredAt.UTC().Format(time.RFC3339)))
	h.Write([]byte(amount))
	h.Write([]byte(descriptionOrNotes))
	return hex.EncodeToString(h.Sum(nil))[:24]
}

func parseOccurredAt(raw string, now func() time.Time) time.Time {
	if raw == "" {
		return now().UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return now().UTC()
}

func createTransactionTool(deps Deps) *Tool {
	return &Tool{
		Name:        "transactions.create",
		Description: "Persist one ledger transaction with deduplication.",
		Validate: func(input map[string]interface{}) []string {
			var issues []string
			payload, ok := input["transaction"].(map[string]interface{})
			if !ok {
				return []string{"transaction object is required"}
			}
			if _, present := payload["amount"]; !present {
				issues = append(issues, "transaction.amount is required")
			}
			if txType, _ := payload["type"].(string); txType != "" &&
				!core.ValidTransactionType(core.TransactionType(txType)) {
				issues = append(issues, "transaction.type must be one of income, expense, investment, debt, transfer")
			}
			if currency, _ := payload["currency"].(string); currency != "" && len(currency) != 3 {
				issues = append(issues, "transaction.currency must be a 3-letter code")
			}
			return issues
		},
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			var payload transactionPayload
			if err := decodeInto(input["transaction"], &payload); err != nil {
				return nil, core.ValidationError([]string{"transaction: " + err.Error()})
			}
			if payload.Amount == nil || payload.Amount.IsZero() {
				return nil, core.ValidationError([]string{"transaction.amount must be a non-zero number"})
			}

			txType := core.TransactionType(payload.Type)
			if payload.Type == "" {
				txType = core.TxExpense
			}
			currency := strings.ToUpper(payload.Currency)
			if currency == "" {
				currency = "MYR"
			}
			description := payload.Description
			if description == "" {
				description = payload.Merchant
			}
			descriptionOrNotes := description
			if descriptionOrNotes == "" {
				descriptionOrNotes = payload.Notes
			}
			occurredAt := parseOccurredAt(payload.OccurredAt, deps.Now)

			handle, _ := input["idempotencyKey"].(string)
			if handle == "" {
				handle = DeriveTransactionKey(scope.TenantID, scope.CustomerID,
					occurredAt, payload.Amount.StringFixed(2), descriptionOrNotes)
			}

			tx := &core.Transaction{
				TenantID:          scope.TenantID,
				CustomerID:        scope.CustomerID,
				Amount:            payload.Amount.Decimal,
				Currency:          currency,
				Type:              txType,
				Category:          payload.Category,
				Description:       description,
				OccurredAt:        occurredAt,
				IdempotencyHandle: handle,
			}
			if payload.Merchant != "" || payload.Notes != "" {
				tx.Metadata = map[string]interface{}{}
				if payload.Merchant != "" {
					tx.Metadata["merchant"] = payload.Merchant
				}
				if payload.Notes != "" {
					tx.Metadata["notes"] = payload.Notes
				}
			}

			stored, created, err := deps.Transactions.Insert(ctx, tx)
			if err != nil {
				return nil, core.WrapE(core.CodeInternal, err, "persist transaction")
			}
			return map[string]interface{}{
				"transaction": stored,
				"created":     created,
			}, nil
		},
	}
}

// ============================================================
// transactions.list
// ============================================================

func listTransactionsTool(deps Deps) *Tool {
	return &Tool{
		Name:        "transactions.list",
		Description: "List the caller's transactions for one month.",
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			month := monthOrCurrent(input, deps.Now)
			txs, err := deps.Transactions.ListMonth(ctx, scope.TenantID, scope.CustomerID, month)
			if err != nil {
				return nil, core.WrapE(core.CodeInternal, err, "list transactions for %s", month)
			}
			return map[string]interface{}{
				"month":        month,
				"transactions": txs,
				"count":        len(txs),
			}, nil
		},
	}
}

// ============================================================
// insights.compute
// ============================================================

type computePayload struct {
	Month        string             `json:"month"`
	Transactions []core.Transaction `json:"transactions"`
	Balances     *core.Balances     `json:"balances"`
	Goals        map[string]float64 `json:"goals"`
}

func computeInsightTool(deps Deps) *Tool {
	return &Tool{
		Name:        "insights.compute",
		Description: "Compute and store the monthly KPI insight.",
		Validate: func(input map[string]interface{}) []string {
			if month, _ := input["month"].(string); month != "" {
				if _, err := time.Parse("2006-01", month); err != nil {
					return []string{"month must be YYYY-MM"}
				}
			}
			return nil
		},
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			var payload computePayload
			if err := decodeInto(input, &payload); err != nil {
				return nil, core.ValidationError([]string{err.Error()})
			}
			if payload.Month == "" {
				payload.Month = deps.Now().UTC().Format("2006-01")
			}
			if len(payload.Transactions) == 0 {
				txs, err := deps.Transactions.ListMonth(ctx, scope.TenantID, scope.CustomerID, payload.Month)
				if err != nil {
					return nil, core.WrapE(core.CodeInternal, err, "load transactions for %s", payload.Month)
				}
				payload.Transactions = txs
			}
			previous, err := deps.Insights.Latest(ctx, scope.UserID)
			if err != nil {
				return nil, core.WrapE(core.CodeInternal, err, "load previous insight")
			}
			if previous != nil && previous.Month >= payload.Month {
				previous = nil
			}

			ins, err := deps.Insights.ComputeAndStore(ctx, insight.Input{
				UserID:       scope.UserID,
				Month:        payload.Month,
				Transactions: payload.Transactions,
				Balances:     payload.Balances,
				Goals:        payload.Goals,
				Previous:     previous,
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"insight": ins}, nil
		},
	}
}

// ============================================================
// insights.list
// ============================================================

func listInsightsTool(deps Deps) *Tool {
	return &Tool{
		Name:        "insights.list",
		Description: "List the caller's recent monthly insights.",
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			limit := 12
			if v, ok := input["limit"].(float64); ok && v >= 1 {
				limit = int(v)
			}
			list, err := deps.Insights.List(ctx, scope.UserID, limit)
			if err != nil {
				return nil, core.WrapE(core.CodeInternal, err, "list insights")
			}
			return map[string]interface{}{"insights": list, "count": len(list)}, nil
		},
	}
}

// loadInsight resolves (month | latest) for the read-only tools.
func loadInsight(ctx context.Context, deps Deps, scope core.AuthenticatedUser, input map[string]interface{}) (*core.MonthlyInsight, error) {
	month, _ := input["month"].(string)
	var ins *core.MonthlyInsight
	var err error
	if month != "" {
		ins, err = deps.Insights.Get(ctx, scope.UserID, month)
	} else {
		ins, err = deps.Insights.Latest(ctx, scope.UserID)
	}
	if err != nil {
		return nil, core.WrapE(core.CodeInternal, err, "load insight")
	}
	if ins == nil {
		if month == "" {
			return nil, core.E(core.CodeInsightNotFound, "no insights computed yet")
		}
		return nil, core.E(core.CodeInsightNotFound, "no insight for %s", month)
	}
	return ins, nil
}

// ============================================================
// health.score
// ============================================================

func healthScoreTool(deps Deps) *Tool {
	return &Tool{
		Name:        "health.score",
		Description: "Score financial health from the stored monthly insight.",
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			ins, err := loadInsight(ctx, deps, scope, input)
			if err != nil {
				return nil, err
			}
			score := health.Score(ins.KPIs)
			return map[string]interface{}{
				"month": ins.Month,
				"score": score,
			}, nil
		},
	}
}

// ============================================================
// actions.suggest
// ============================================================

func suggestActionsTool(deps Deps) *Tool {
	return &Tool{
		Name:        "actions.suggest",
		Description: "Suggest next actions from KPIs and the health score.",
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			ins, err := loadInsight(ctx, deps, scope, input)
			if err != nil {
				return nil, err
			}
			score := health.Score(ins.KPIs)
			suggested := actions.Suggest(ins.KPIs, score)

			out := make([]map[string]interface{}, 0, len(suggested))
			for _, a := range suggested {
				out = append(out, map[string]interface{}{
					"id":          a.ID,
					"title":       a.Title,
					"description": a.Description,
					"category":    a.Category,
					"rationale":   a.Rationale,
					"impact_myr":  actions.Impact(ins.KPIs, a.Category),
					"score_delta": actions.ScoreDelta(score, a.Category),
				})
			}
			return map[string]interface{}{
				"month":   ins.Month,
				"actions": out,
			}, nil
		},
	}
}

// ============================================================
// simulations.run
// ============================================================

func runSimulationTool(deps Deps) *Tool {
	return &Tool{
		Name:        "simulations.run",
		Description: "Project KPIs and health under a set of applied actions.",
		Validate: func(input map[string]interface{}) []string {
			if _, ok := input["actions"]; !ok {
				return []string{"actions array is required"}
			}
			return nil
		},
		Resolve: func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error) {
			var actionIDs []string
			if err := decodeInto(input["actions"], &actionIDs); err != nil {
				return nil, core.ValidationError([]string{"actions must be an array of action ids"})
			}
			if len(actionIDs) == 0 {
				return nil, core.ValidationError([]string{"actions must name at least one action"})
			}

			var ins *core.MonthlyInsight
			var err error
			if insightID, _ := input["insightId"].(string); insightID != "" {
				// Insight ids are "{userId}:{month}"; reject ids outside the
				// caller's own scope before touching the store.
				userID, month, ok := strings.Cut(insightID, ":")
				if !ok || userID != scope.UserID {
					return nil, core.E(core.CodeInsightNotFound, "no insight %s", insightID)
				}
				ins, err = deps.Insights.Get(ctx, scope.UserID, month)
				if err != nil {
					return nil, core.WrapE(core.CodeInternal, err, "load insight")
				}
				if ins == nil {
					return nil, core.E(core.CodeInsightNotFound, "no insight %s", insightID)
				}
			} else {
				ins, err = loadInsight(ctx, deps, scope, input)
				if err != nil {
					return nil, err
				}
			}

			result := simulate.Run(ins, actionIDs)
			return map[string]interface{}{
				"kpis":        result.ProjectedInsight.KPIs,
				"story":       result.ProjectedInsight.Story,
				"score":       result.ProjectedHealth,
				"adjustments": result.Adjustments,
			}, nil
		},
	}
}
