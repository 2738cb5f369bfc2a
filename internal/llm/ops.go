package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/dompet/backend/internal/core"
)

// The typed operations wrap Chat with fixed prompts, JSON coercion and a
// single strict-JSON retry on schema failure. A second failure surfaces
// MODEL_OUTPUT_INVALID to the executor.

const strictJSONDirective = "Respond with strict JSON only. No prose, no markdown fences, no commentary."

const classifySystemPrompt = `You classify the intent of the latest user message in a personal finance chat.
Reply as JSON: {"intent": "...", "confidence": 0.0, "reasoning": "..."}.
intent must be one of: record_transaction, budget_summary, general_question, unknown.
confidence is your certainty between 0 and 1.`

const extractSystemPrompt = `You extract a financial transaction from free text.
Reply as JSON with any of: amount (number), currency (ISO 4217), occurredAt (ISO 8601),
merchant, category, notes, description. Omit fields you cannot determine.`

// ClassifyIntent labels the conversation's latest user message.
func (r *Router) ClassifyIntent(ctx context.Context, conversation []core.ConversationMessage, opts core.ProviderOptions) (core.IntentResult, error) {
	messages := append([]core.ConversationMessage{
		{Role: "system", Content: classifySystemPrompt},
	}, conversation...)

	var result core.IntentResult
	err := r.chatJSON(ctx, messages, ChatOptions{Provider: opts.Provider, Model: opts.Model, Temperature: 0}, func(content string) error {
		var parsed core.IntentResult
		if err := CoerceJSON(content, &parsed); err != nil {
			return err
		}
		switch parsed.Intent {
		case core.IntentRecordTransaction, core.IntentBudgetSummary, core.IntentGeneralQuestion, core.IntentUnknown:
		default:
			return core.E(core.CodeModelOutput, "unexpected intent label %q", parsed.Intent)
		}
		if parsed.Confidence < 0 || parsed.Confidence > 1 {
			return core.E(core.CodeModelOutput, "confidence %v outside [0,1]", parsed.Confidence)
		}
		result = parsed
		return nil
	})
	return result, err
}

// ExtractTransaction pulls structured transaction fields out of free text.
// The raw text always rides along in the result.
func (r *Router) ExtractTransaction(ctx context.Context, text string, opts core.ProviderOptions) (core.ExtractedTransaction, error) {
	messages := []core.ConversationMessage{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: text},
	}

	var result core.ExtractedTransaction
	err := r.chatJSON(ctx, messages, ChatOptions{Provider: opts.Provider, Model: opts.Model, Temperature: 0}, func(content string) error {
		var parsed core.ExtractedTransaction
		if err := CoerceJSON(content, &parsed); err != nil {
			return err
		}
		result = parsed
		return nil
	})
	if err != nil {
		return core.ExtractedTransaction{}, err
	}
	result.RawText = text
	return result, nil
}

// SummarizeRequest carries everything the summariser sees.
type SummarizeRequest struct {
	UserID       string
	Month        string
	Transactions []core.Transaction
	Context      string
	Tone         string
}

// SummarizeMonth produces the budget summary for one month.
func (r *Router) SummarizeMonth(ctx context.Context, req SummarizeRequest, opts core.SummarizationOptions) (core.MonthlySummary, error) {
	tone := req.Tone
	if tone == "" {
		tone = opts.Tone
	}
	if tone == "" {
		tone = "supportive"
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Summarise the %s finances for the user in a %s tone.\n", req.Month, tone)
	if len(req.Transactions) > 0 {
		prompt.WriteString("Transactions (date | description | amount | type):\n")
		for _, tx := range req.Transactions {
			fmt.Fprintf(&prompt, "%s | %s | %s %s | %s\n",
				tx.OccurredAt.Format("2006-01-02"), tx.Description, tx.Currency, tx.Amount.StringFixed(2), tx.Type)
		}
	}
	if req.Context != "" {
		prompt.WriteString("\nPrior months context:\n" + req.Context + "\n")
	}

	messages := []core.ConversationMessage{
		{Role: "system", Content: `You are a personal finance assistant. Reply as JSON:
{"summary": "...", "highlights": ["..."], "savingsOpportunities": ["..."], "followUps": ["..."]}.
summary is a short paragraph; the arrays hold short bullet strings.`},
		{Role: "user", Content: prompt.String()},
	}

	var result core.MonthlySummary
	err := r.chatJSON(ctx, messages, ChatOptions{Provider: opts.Provider, Model: opts.Model, Temperature: 0.4}, func(content string) error {
		var parsed core.MonthlySummary
		if err := CoerceJSON(content, &parsed); err != nil {
			return err
		}
		if strings.TrimSpace(parsed.Summary) == "" {
			return core.E(core.CodeModelOutput, "summary is empty")
		}
		result = parsed
		return nil
	})
	return result, err
}

// chatJSON runs a chat call and validates its output, retrying exactly once
// with a tightened strict-JSON directive when validation fails.
func (r *Router) chatJSON(ctx context.Context, messages []core.ConversationMessage, opts ChatOptions, validate func(content string) error) error {
	res, err := r.Chat(ctx, messages, opts)
	if err != nil {
		return err
	}
	firstErr := validate(res.Message.Content)
	if firstErr == nil {
		return nil
	}

	strict := append([]core.ConversationMessage{
		{Role: "system", Content: strictJSONDirective},
	}, messages...)
	res, err = r.Chat(ctx, strict, opts)
	if err != nil {
		return err
	}
	if err := validate(res.Message.Content); err != nil {
		return core.WrapE(core.CodeModelOutput, firstErr, "model output failed validation twice")
	}
	return nil
}
