// Package executor runs a plan step by step against vector memory, the
// provider router and the tool registry, maintaining the per-request state
// bag. Plans are small and strictly sequential; there is no shared mutable
// state between concurrent requests.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/llm"
	"github.com/dompet/backend/internal/planner"
	"github.com/dompet/backend/internal/tools"
)

// ============================================================
// Dependencies
// ============================================================

// LLM is the slice of the provider router the executor dispatches to.
type LLM interface {
	ExtractTransaction(ctx context.Context, text string, opts core.ProviderOptions) (core.ExtractedTransaction, error)
	SummarizeMonth(ctx context.Context, req llm.SummarizeRequest, opts core.SummarizationOptions) (core.MonthlySummary, error)
	Chat(ctx context.Context, messages []core.ConversationMessage, opts llm.ChatOptions) (*llm.ChatResult, error)
}

// Searcher is the vector memory read side.
type Searcher interface {
	Search(ctx context.Context, userID string, query []float32, limit int) ([]core.RetrievalDocument, error)
}

// QueryEmbedder turns a retrieval query into a vector matching the memory
// store's dimension.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, scope core.AuthenticatedUser, text string) ([]float32, error)
}

// Executor wires the step handlers together.
type Executor struct {
	llm          LLM
	memory       Searcher
	embedder     QueryEmbedder
	registry     *tools.Registry
	transactions tools.TransactionStore
	log          zerolog.Logger
	now          func() time.Time
}

// New builds an Executor. memory and embedder may be nil, in which case
// retrieval steps yield no documents.
func New(model LLM, memory Searcher, embedder QueryEmbedder, registry *tools.Registry, transactions tools.TransactionStore, log zerolog.Logger) *Executor {
	return &Executor{
		llm:          model,
		memory:       memory,
		embedder:     embedder,
		registry:     registry,
		transactions: transactions,
		log:          log.With().Str("component", "executor").Logger(),
		now:          time.Now,
	}
}

// Outcome is the per-request state bag after the last step ran.
type Outcome struct {
	FinalMessage       string                   `json:"final_message"`
	Followup           string                   `json:"followup,omitempty"`
	ResultData         map[string]interface{}   `json:"result_data,omitempty"`
	StepResults        map[string]interface{}   `json:"step_results"`
	ToolResults        []tools.Result           `json:"tool_results"`
	RetrievedDocuments []core.RetrievalDocument `json:"retrieved_documents"`
}

// ============================================================
// Execution loop
// ============================================================

// Execute runs the plan in order. Tool failures are recorded and the plan
// continues; dependency violations, LLM schema failures and provider
// exhaustion abort the run.
func (e *Executor) Execute(ctx context.Context, scope core.AuthenticatedUser, plan core.Plan, conversation []core.ConversationMessage, opts core.ChatTurnOptions) (*Outcome, error) {
	out := &Outcome{
		StepResults: make(map[string]interface{}, len(plan.Steps)),
	}
	demoteTools := plan.Confidence < planner.ClarifyThreshold
	if demoteTools {
		out.Followup = planner.ClarifierFollowup
	}

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, core.AsError(err)
		}
		for _, dep := range step.DependsOn {
			if _, ok := out.StepResults[dep]; !ok {
				return nil, core.E(core.CodePlanDependency,
					"step %q depends on %q which has not run", step.ID, dep)
			}
		}

		switch step.Type {
		case core.StepRetrieval:
			e.runRetrieval(ctx, scope, step, conversation, opts.Retrieval, out)
		case core.StepLLM:
			if err := e.runLLM(ctx, scope, step, conversation, opts, out); err != nil {
				return nil, err
			}
		case core.StepTool:
			e.runTool(ctx, scope, step, demoteTools, out)
		case core.StepSynthesis:
			if err := e.runSynthesis(ctx, scope, plan.Intent, step, conversation, out); err != nil {
				return nil, err
			}
		default:
			return nil, core.E(core.CodeInternal, "unknown step type %q", step.Type)
		}
	}

	if out.FinalMessage == "" {
		if err := e.runSynthesis(ctx, scope, plan.Intent, core.PlanStep{ID: "synthesis-fallback"}, conversation, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// toJSONMap converts a typed value into the generic map shape tool inputs
// use, so validation sees the same structure a JSON caller would send.
func toJSONMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func latestUserMessage(conversation []core.ConversationMessage) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == "user" {
			return conversation[i].Content
		}
	}
	return ""
}

// ============================================================
// Step handlers
// ============================================================

func (e *Executor) runRetrieval(ctx context.Context, scope core.AuthenticatedUser, step core.PlanStep, conversation []core.ConversationMessage, opts core.RetrievalOptions, out *Outcome) {
	query, _ := step.Input["query"].(string)
	if query == "" {
		query = latestUserMessage(conversation)
	}
	limit := opts.Limit
	if limit < 1 {
		limit = 5
	}

	docs := e.search(ctx, scope, query, limit)

	// The store already scopes by user; filtering again here means a
	// misbehaving store cannot leak another user's documents.
	scoped := docs[:0]
	for _, doc := range docs {
		if doc.UserID == scope.UserID {
			scoped = append(scoped, doc)
		}
	}

	out.RetrievedDocuments = append(out.RetrievedDocuments, scoped...)
	out.StepResults[step.ID] = map[string]interface{}{
		"documents": scoped,
		"count":     len(scoped),
	}
}

func (e *Executor) search(ctx context.Context, scope core.AuthenticatedUser, query string, limit int) []core.RetrievalDocument {
	if e.memory == nil || e.embedder == nil || query == "" {
		return nil
	}
	vector, err := e.embedder.EmbedQuery(ctx, scope, query)
	if err != nil {
		e.log.Warn().Err(err).Msg("query embedding failed, continuing without context")
		return nil
	}
	docs, err := e.memory.Search(ctx, scope.UserID, vector, limit)
	if err != nil {
		e.log.Warn().Err(err).Msg("vector search failed, continuing without context")
		return nil
	}
	return docs
}

func (e *Executor) runLLM(ctx context.Context, scope core.AuthenticatedUser, step core.PlanStep, conversation []core.ConversationMessage, opts core.ChatTurnOptions, out *Outcome) error {
	switch step.Action {
	case "extract-transaction":
		text, _ := step.Input["text"].(string)
		if text == "" {
			text = latestUserMessage(conversation)
		}
		extracted, err := e.llm.ExtractTransaction(ctx, text, opts.Extraction)
		if err != nil {
			return err
		}
		out.StepResults[step.ID] = extracted
		return nil

	case "summarize-month":
		month := e.now().UTC().Format("2006-01")
		if m, _ := step.Input["month"].(string); m != "" {
			month = m
		}
		var txs []core.Transaction
		if e.transactions != nil {
			loaded, err := e.transactions.ListMonth(ctx, scope.TenantID, scope.CustomerID, month)
			if err != nil {
				return core.WrapE(core.CodeInternal, err, "load transactions for %s", month)
			}
			txs = loaded
		}
		var contextText strings.Builder
		for _, doc := range out.RetrievedDocuments {
			contextText.WriteString(doc.Content)
			contextText.WriteString("\n")
		}
		summary, err := e.llm.SummarizeMonth(ctx, llm.SummarizeRequest{
			UserID:       scope.UserID,
			Month:        month,
			Transactions: txs,
			Context:      strings.TrimSpace(contextText.String()),
		}, opts.Summarization)
		if err != nil {
			return err
		}
		out.StepResults[step.ID] = summary
		return nil

	default:
		return core.E(core.CodeInternal, "unknown llm action %q", step.Action)
	}
}

func (e *Executor) runTool(ctx context.Context, scope core.AuthenticatedUser, step core.PlanStep, demoted bool, out *Outcome) {
	if demoted {
		res := tools.Result{
			Tool:    step.Tool,
			Status:  "skipped",
			Details: map[string]interface{}{"error": "Demoted to no-op below the confidence threshold"},
		}
		out.ToolResults = append(out.ToolResults, res)
		out.StepResults[step.ID] = res
		return
	}

	input := make(map[string]interface{}, len(step.Input)+1)
	for k, v := range step.Input {
		input[k] = v
	}
	if extracted, ok := out.StepResults["extract-transaction"]; ok {
		if _, present := input["transaction"]; !present {
			input["transaction"] = toJSONMap(extracted)
		}
	}

	res := e.registry.Invoke(ctx, scope, step.Tool, input)
	out.ToolResults = append(out.ToolResults, res)
	out.StepResults[step.ID] = res

	if res.Err != nil && res.Err.Code == core.CodeCancelled {
		// Leave the cancelled result in place; the loop surfaces it on the
		// next ctx check.
		return
	}
}

// ============================================================
// Synthesis
// ============================================================

func (e *Executor) runSynthesis(ctx context.Context, scope core.AuthenticatedUser, intent string, step core.PlanStep, conversation []core.ConversationMessage, out *Outcome) error {
	switch intent {
	case core.IntentRecordTransaction:
		e.synthesizeRecordTransaction(out)
	case core.IntentBudgetSummary:
		e.synthesizeBudgetSummary(out)
	case core.IntentGeneralQuestion:
		if err := e.synthesizeGeneralQuestion(ctx, conversation, out); err != nil {
			return err
		}
	default:
		out.FinalMessage = "I'm not sure how to help with that yet, but I'm learning more every day!"
	}

	out.StepResults[step.ID] = map[string]interface{}{"message": out.FinalMessage}
	return nil
}

func (e *Executor) synthesizeRecordTransaction(out *Outcome) {
	extracted, _ := out.StepResults["extract-transaction"].(core.ExtractedTransaction)

	var persist *tools.Result
	for i := range out.ToolResults {
		if out.ToolResults[i].Tool == "transactions.create" {
			persist = &out.ToolResults[i]
		}
	}

	switch {
	case persist != nil && persist.OK():
		currency := extracted.Currency
		if currency == "" {
			currency = "MYR"
		}
		var amount float64
		if extracted.Amount != nil {
			amount, _ = extracted.Amount.Float64()
		}
		merchant := extracted.Merchant
		if merchant == "" {
			merchant = "the merchant"
		}
		occurredAt := extracted.OccurredAt
		if occurredAt == "" {
			occurredAt = "the specified date"
		}
		out.FinalMessage = fmt.Sprintf(
			"Got it! I've recorded %s %.2f for %s on %s. Anything else you need?",
			currency, amount, merchant, occurredAt)
		out.ResultData = map[string]interface{}{"transaction": persist.Data, "replayed": persist.Replayed}

	case persist != nil && persist.Status == "skipped" && out.Followup != "":
		out.FinalMessage = "I held off on saving that transaction until I'm sure I understood it."

	default:
		// Persist failed; apologise rather than fail the turn.
		out.FinalMessage = "Sorry, I couldn't save that transaction just now. Please try again in a moment."
		out.ResultData = map[string]interface{}{"code": nil}
	}
}

func (e *Executor) synthesizeBudgetSummary(out *Outcome) {
	summary, ok := out.StepResults["summarize-month"].(core.MonthlySummary)
	if !ok || summary.Summary == "" {
		out.FinalMessage = "I don't have enough of this month's activity to summarize yet."
		return
	}
	out.FinalMessage = summary.Summary
	out.ResultData = map[string]interface{}{
		"highlights":           summary.Highlights,
		"savingsOpportunities": summary.SavingsOpportunities,
	}
	if len(summary.FollowUps) > 0 && out.Followup == "" {
		out.Followup = summary.FollowUps[0]
	}
}

func (e *Executor) synthesizeGeneralQuestion(ctx context.Context, conversation []core.ConversationMessage, out *Outcome) error {
	system := "You are a careful personal finance assistant. Answer using only the provided context. " +
		"If the context does not contain the answer, say you do not have that information yet."
	if len(out.RetrievedDocuments) > 0 {
		system += "\n\nContext:"
		for _, doc := range out.RetrievedDocuments {
			system += "\n- " + doc.Content
		}
	} else {
		system += "\n\nContext: none available."
	}

	messages := append([]core.ConversationMessage{{Role: "system", Content: system}}, conversation...)
	result, err := e.llm.Chat(ctx, messages, llm.ChatOptions{})
	if err != nil {
		return err
	}
	out.FinalMessage = result.Message.Content
	return nil
}
