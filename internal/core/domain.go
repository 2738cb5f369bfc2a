package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tenant is the root of every per-tenant row. IDs are immutable.
type Tenant struct {
	ID       string                 `json:"id"`
	Slug     string                 `json:"slug"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Customer is a tenant-scoped end user. Created lazily on first
// authenticated use, resolvable by (tenantId, externalReference).
type Customer struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	ExternalReference string                 `json:"external_reference"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// AllowBenchmarking reports the privacy opt-in stored under
// metadata.preferences.allowBenchmarking.
func (c *Customer) AllowBenchmarking() bool {
	prefs, ok := c.Metadata["preferences"].(map[string]interface{})
	if !ok {
		return false
	}
	allowed, _ := prefs["allowBenchmarking"].(bool)
	return allowed
}

// Profile returns the (region, incomeBand) cohort fields from
// metadata.profile, bucketing missing values into "unknown".
func (c *Customer) Profile() (region, incomeBand string) {
	region, incomeBand = "unknown", "unknown"
	profile, ok := c.Metadata["profile"].(map[string]interface{})
	if !ok {
		return
	}
	if r, ok := profile["region"].(string); ok && r != "" {
		region = r
	}
	if b, ok := profile["incomeBand"].(string); ok && b != "" {
		incomeBand = b
	}
	return
}

// TransactionType classifies the direction of money movement.
type TransactionType string

const (
	TxIncome     TransactionType = "income"
	TxExpense    TransactionType = "expense"
	TxInvestment TransactionType = "investment"
	TxDebt       TransactionType = "debt"
	TxTransfer   TransactionType = "transfer"
)

// ValidTransactionType reports whether t is one of the five known types.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TxIncome, TxExpense, TxInvestment, TxDebt, TxTransfer:
		return true
	}
	return false
}

// Transaction is a single ledger row. Amounts stay decimal until they reach
// the KPI engine input.
type Transaction struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	CustomerID        string                 `json:"customer_id"`
	Amount            decimal.Decimal        `json:"amount"`
	Currency          string                 `json:"currency"`
	Type              TransactionType        `json:"type"`
	Category          string                 `json:"category,omitempty"`
	Description       string                 `json:"description,omitempty"`
	OccurredAt        time.Time              `json:"occurred_at"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyHandle string                 `json:"idempotency_handle,omitempty"`
}

var amountCleaner = regexp.MustCompile(`(?i)(rm|myr|idr|usd|sgd)\s*`)

// ParseAmount accepts both numeric and human-written amounts such as
// "RM1,250.00" (the forms CSV exports and model extractions produce) and
// returns a decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := amountCleaner.ReplaceAllString(strings.TrimSpace(raw), "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(cleaned)
}

// Amount is a decimal that unmarshals from either a JSON number or a
// currency-prefixed string.
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d, perr := ParseAmount(s)
		if perr != nil {
			return perr
		}
		a.Decimal = d
		return nil
	}
	return a.Decimal.UnmarshalJSON(data)
}

// IdempotencyRecord guards exactly-once tool execution per (tenant, key).
type IdempotencyRecord struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Key             string     `json:"key"`
	RequestHash     string     `json:"request_hash"`
	ResponsePayload []byte     `json:"response_payload,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// KPIUnit is the display unit of a KPI value.
type KPIUnit string

const (
	UnitCurrency   KPIUnit = "currency"
	UnitRatio      KPIUnit = "ratio"
	UnitPercentage KPIUnit = "percentage"
)

// KPI is one named indicator inside a monthly insight.
type KPI struct {
	Key   string   `json:"key"`
	Label string   `json:"label"`
	Value float64  `json:"value"`
	Unit  KPIUnit  `json:"unit"`
	// Currency is the ISO code qualifying currency-unit values; empty for
	// ratio and percentage KPIs.
	Currency string   `json:"currency,omitempty"`
	Delta    *float64 `json:"delta,omitempty"`
	Goal     *float64 `json:"goal,omitempty"`
}

// Canonical KPI keys. The action suggester and simulator depend on these
// being stable.
const (
	KPIIncome             = "income"
	KPIExpenses           = "expenses"
	KPIInvestments        = "investments"
	KPIDebtPayments       = "debtPayments"
	KPICashFlow           = "cashFlow"
	KPISavingsRate        = "savingsRate"
	KPIInvestmentRate     = "investmentRate"
	KPIDebtToIncome       = "debtToIncome"
	KPIExpenseRatio       = "expenseRatio"
	KPIDebtOutstanding    = "debtOutstanding"
	KPINetWorth           = "netWorth"
	KPITopExpenseCategory = "topExpenseCategory"
)

// MonthlyInsight is the per-user per-month aggregate. ID is "{userId}:{month}".
type MonthlyInsight struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Month     string         `json:"month"`
	KPIs      map[string]KPI `json:"kpis"`
	Story     string         `json:"story"`
	CreatedAt time.Time      `json:"created_at"`
}

// InsightID builds the canonical "{userId}:{month}" identifier.
func InsightID(userID, month string) string {
	return userID + ":" + month
}

// Clone deep-copies the insight so simulations can mutate freely.
func (m *MonthlyInsight) Clone() *MonthlyInsight {
	out := *m
	out.KPIs = make(map[string]KPI, len(m.KPIs))
	for k, v := range m.KPIs {
		kpi := v
		if v.Delta != nil {
			d := *v.Delta
			kpi.Delta = &d
		}
		if v.Goal != nil {
			g := *v.Goal
			kpi.Goal = &g
		}
		out.KPIs[k] = kpi
	}
	return &out
}

// HealthComponent is one weighted contributor to the health score.
type HealthComponent struct {
	Key    string  `json:"key"`
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// HealthScore is the weighted 0..1 financial health evaluation.
type HealthScore struct {
	Total      float64           `json:"total"`
	Components []HealthComponent `json:"components"`
	Notes      []string          `json:"notes"`
}

// Suggested action identifiers. The simulator keys its deltas off these.
const (
	ActionImproveSavings   = "improve-savings"
	ActionOptimizeExpenses = "optimize-expenses"
	ActionAccelerateDebt   = "accelerate-debt"
	ActionBoostInvestments = "boost-investments"
	ActionGrowIncome       = "grow-income"
	ActionStayTheCourse    = "stay-the-course"
)

// SuggestedAction is one recommendation derived from KPIs and health.
type SuggestedAction struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	Rationale      string `json:"rationale"`
	ExpectedImpact string `json:"expected_impact"`
}

// EmbeddingRecord is the stored vector for one insight.
type EmbeddingRecord struct {
	ID       string                 `json:"id"`
	UserID   string                 `json:"user_id"`
	Vector   []float32              `json:"vector"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationMessage is one turn of the chat history.
type ConversationMessage struct {
	ID        string                 `json:"id,omitempty"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Intent labels produced by the classifier.
const (
	IntentRecordTransaction = "record_transaction"
	IntentBudgetSummary     = "budget_summary"
	IntentGeneralQuestion   = "general_question"
	IntentUnknown           = "unknown"
)

// IntentResult is the classifier output.
type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// StepType enumerates the kinds of plan steps the executor understands.
type StepType string

const (
	StepRetrieval StepType = "retrieval"
	StepLLM       StepType = "llm"
	StepTool      StepType = "tool"
	StepSynthesis StepType = "synthesis"
)

// PlanStep is one node of the (small, sequential) plan DAG.
type PlanStep struct {
	ID          string                 `json:"id"`
	Type        StepType               `json:"type"`
	Description string                 `json:"description"`
	Action      string                 `json:"action,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
}

// Plan is the ordered list of steps for one request. Step ids are unique
// within a plan so DependsOn references stay unambiguous.
type Plan struct {
	Intent     string     `json:"intent"`
	Confidence float64    `json:"confidence"`
	Steps      []PlanStep `json:"steps"`
}

// AuthenticatedUser is the resolved identity scope for one request.
type AuthenticatedUser struct {
	UserID     string   `json:"user_id"`
	TenantID   string   `json:"tenant_id"`
	CustomerID string   `json:"customer_id"`
	SessionID  string   `json:"session_id,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// Balances carries point-in-time account balances for KPI computation.
// Missing fields are treated as zero.
type Balances struct {
	Cash        float64 `json:"cash"`
	Investments float64 `json:"investments"`
	Debt        float64 `json:"debt"`
}

// RetrievalDocument is one vector-memory hit joined back to its insight.
type RetrievalDocument struct {
	ID       string                 `json:"id"`
	UserID   string                 `json:"user_id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ExtractedTransaction is the typed output of the extract-transaction step.
type ExtractedTransaction struct {
	Amount      *Amount `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	OccurredAt  string  `json:"occurredAt,omitempty"`
	Merchant    string  `json:"merchant,omitempty"`
	Category    string  `json:"category,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	Description string  `json:"description,omitempty"`
	RawText     string  `json:"rawText"`
}

// MonthlySummary is the typed output of the summarize-month step.
type MonthlySummary struct {
	Summary              string   `json:"summary"`
	Highlights           []string `json:"highlights"`
	SavingsOpportunities []string `json:"savingsOpportunities"`
	FollowUps            []string `json:"followUps,omitempty"`
}

// ProviderOptions selects a provider/model pair for one LLM operation.
type ProviderOptions struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// SummarizationOptions extends ProviderOptions with the narrative tone the
// original assistant let users pick.
type SummarizationOptions struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

// RetrievalOptions bounds vector-memory retrieval.
type RetrievalOptions struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ChatTurnOptions is the typed options object accepted by POST /v1/chat.
// Unknown fields are rejected at the boundary.
type ChatTurnOptions struct {
	Classification ProviderOptions      `json:"classification,omitempty"`
	Extraction     ProviderOptions      `json:"extraction,omitempty"`
	Summarization  SummarizationOptions `json:"summarization,omitempty"`
	Retrieval      RetrievalOptions     `json:"retrieval,omitempty"`
}
