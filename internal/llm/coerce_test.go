package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

type intentOut struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func TestCoerceJSON_StrictObject(t *testing.T) {
	var out intentOut
	require.NoError(t, CoerceJSON(`{"intent":"budget_summary","confidence":0.9}`, &out))
	assert.Equal(t, "budget_summary", out.Intent)
	assert.Equal(t, 0.9, out.Confidence)
}

func TestCoerceJSON_StripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"intent\":\"record_transaction\",\"confidence\":0.82}\n```"
	var out intentOut
	require.NoError(t, CoerceJSON(raw, &out))
	assert.Equal(t, "record_transaction", out.Intent)
}

func TestCoerceJSON_IgnoresSurroundingProse(t *testing.T) {
	raw := `Sure! Here is the classification you asked for:
{"intent":"general_question","confidence":0.7}
Let me know if you need anything else.`
	var out intentOut
	require.NoError(t, CoerceJSON(raw, &out))
	assert.Equal(t, "general_question", out.Intent)
}

func TestCoerceJSON_RepairsModelDamage(t *testing.T) {
	cases := []string{
		`{'intent': 'unknown', 'confidence': 0.1}`,
		`{"intent": "unknown", "confidence": 0.1,}`,
		`{"intent": "unknown", "confidence": .1}`,
	}
	for _, raw := range cases {
		var out intentOut
		require.NoError(t, CoerceJSON(raw, &out), raw)
		assert.Equal(t, "unknown", out.Intent, raw)
	}
}

func TestCoerceJSON_GarbageSurfacesModelOutputInvalid(t *testing.T) {
	var out intentOut
	err := CoerceJSON("I cannot classify that request.", &out)
	require.Error(t, err)
	assert.Equal(t, core.CodeModelOutput, core.AsError(err).Code)
}
