package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

type stubClassifier struct {
	result core.IntentResult
	err    error
}

func (s stubClassifier) ClassifyIntent(context.Context, []core.ConversationMessage, core.ProviderOptions) (core.IntentResult, error) {
	return s.result, s.err
}

func stepIDs(plan core.Plan) []string {
	ids := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}

func TestBuild_FixedMappings(t *testing.T) {
	cases := []struct {
		intent string
		ids    []string
	}{
		{core.IntentRecordTransaction, []string{"extract-transaction", "persist-transaction", "respond-user"}},
		{core.IntentBudgetSummary, []string{"retrieve-context", "summarize-month", "respond-user"}},
		{core.IntentGeneralQuestion, []string{"retrieve-context", "respond-user"}},
		{core.IntentUnknown, []string{"respond-user"}},
	}
	for _, tc := range cases {
		plan := Build(core.IntentResult{Intent: tc.intent, Confidence: 0.9})
		assert.Equal(t, tc.ids, stepIDs(plan), tc.intent)
	}
}

func TestBuild_RecordTransactionWiring(t *testing.T) {
	plan := Build(core.IntentResult{Intent: core.IntentRecordTransaction, Confidence: 0.92})
	require.Len(t, plan.Steps, 3)

	persist := plan.Steps[1]
	assert.Equal(t, core.StepTool, persist.Type)
	assert.Equal(t, "transactions.create", persist.Tool)
	assert.Equal(t, []string{"extract-transaction"}, persist.DependsOn)

	respond := plan.Steps[2]
	assert.Equal(t, core.StepSynthesis, respond.Type)
	assert.Equal(t, []string{"persist-transaction"}, respond.DependsOn)
}

func TestPlan_ClassifierFailureDegradesToUnknown(t *testing.T) {
	p := New(stubClassifier{err: errors.New("provider down")}, zerolog.Nop())

	plan, intent := p.Plan(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "hello"},
	}, core.ProviderOptions{})

	assert.Equal(t, core.IntentUnknown, intent.Intent)
	assert.Zero(t, intent.Confidence)
	assert.Equal(t, []string{"respond-user"}, stepIDs(plan))
	assert.Less(t, plan.Confidence, ClarifyThreshold)
}

func TestPlan_CarriesClassifierConfidence(t *testing.T) {
	p := New(stubClassifier{result: core.IntentResult{Intent: core.IntentBudgetSummary, Confidence: 0.77}}, zerolog.Nop())

	plan, _ := p.Plan(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "how did I do this month?"},
	}, core.ProviderOptions{})

	assert.Equal(t, core.IntentBudgetSummary, plan.Intent)
	assert.Equal(t, 0.77, plan.Confidence)
}
