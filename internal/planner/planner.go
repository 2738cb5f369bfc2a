// Package planner turns a classified conversation into a small sequential
// plan the executor can run. The intent to plan mapping is fixed; the model
// only picks the intent.
package planner

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
)

// ClarifyThreshold is the classifier confidence below which the response
// must carry a clarifying followup and tool steps are demoted to no-ops.
const ClarifyThreshold = 0.4

// ClarifierFollowup is the single clarifying sentence attached to
// low-confidence responses.
const ClarifierFollowup = "Could you clarify your request so I can recommend the right action?"

// Classifier yields an intent label with confidence for a conversation.
// The provider router implements this.
type Classifier interface {
	ClassifyIntent(ctx context.Context, conversation []core.ConversationMessage, opts core.ProviderOptions) (core.IntentResult, error)
}

// Planner classifies and builds plans.
type Planner struct {
	classifier Classifier
	log        zerolog.Logger
}

// New builds a Planner.
func New(classifier Classifier, log zerolog.Logger) *Planner {
	return &Planner{
		classifier: classifier,
		log:        log.With().Str("component", "planner").Logger(),
	}
}

// Plan classifies the conversation and maps the intent to its fixed step
// list. A failed classification degrades to the unknown intent with zero
// confidence instead of failing the whole turn; the clarifier rule then
// keeps the response side-effect free.
func (p *Planner) Plan(ctx context.Context, conversation []core.ConversationMessage, opts core.ProviderOptions) (core.Plan, core.IntentResult) {
	intent, err := p.classifier.ClassifyIntent(ctx, conversation, opts)
	if err != nil {
		p.log.Warn().Err(err).Msg("intent classification failed, treating as unknown")
		intent = core.IntentResult{Intent: core.IntentUnknown, Confidence: 0}
	}
	return Build(intent), intent
}

// Build maps an intent to its plan. Unrecognised labels behave as unknown.
func Build(intent core.IntentResult) core.Plan {
	var steps []core.PlanStep
	switch intent.Intent {
	case core.IntentRecordTransaction:
		steps = []core.PlanStep{
			{
				ID:          "extract-transaction",
				Type:        core.StepLLM,
				Action:      "extract-transaction",
				Description: "Extract the transaction fields from the message",
			},
			{
				ID:          "persist-transaction",
				Type:        core.StepTool,
				Tool:        "transactions.create",
				Description: "Persist the extracted transaction",
				DependsOn:   []string{"extract-transaction"},
			},
			{
				ID:          "respond-user",
				Type:        core.StepSynthesis,
				Description: "Confirm the recorded transaction",
				DependsOn:   []string{"persist-transaction"},
			},
		}
	case core.IntentBudgetSummary:
		steps = []core.PlanStep{
			{
				ID:          "retrieve-context",
				Type:        core.StepRetrieval,
				Description: "Retrieve relevant insight history",
			},
			{
				ID:          "summarize-month",
				Type:        core.StepLLM,
				Action:      "summarize-month",
				Description: "Summarize the month's finances",
				DependsOn:   []string{"retrieve-context"},
			},
			{
				ID:          "respond-user",
				Type:        core.StepSynthesis,
				Description: "Deliver the monthly summary",
				DependsOn:   []string{"summarize-month"},
			},
		}
	case core.IntentGeneralQuestion:
		steps = []core.PlanStep{
			{
				ID:          "retrieve-context",
				Type:        core.StepRetrieval,
				Description: "Retrieve relevant insight history",
			},
			{
				ID:          "respond-user",
				Type:        core.StepSynthesis,
				Description: "Answer from the retrieved context",
				DependsOn:   []string{"retrieve-context"},
			},
		}
	default:
		steps = []core.PlanStep{
			{
				ID:          "respond-user",
				Type:        core.StepSynthesis,
				Description: "Respond to an unrecognised request",
			},
		}
	}

	return core.Plan{
		Intent:     intent.Intent,
		Confidence: intent.Confidence,
		Steps:      steps,
	}
}
