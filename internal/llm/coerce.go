package llm

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"github.com/dompet/backend/internal/core"
)

// CoerceJSON extracts the JSON object a model produced: it slices from the
// first '{' to the last '}', tries a strict parse, then falls back to
// json-repair for the usual model damage (markdown fences, single quotes,
// trailing commas). Failure surfaces MODEL_OUTPUT_INVALID.
func CoerceJSON(raw string, out interface{}) error {
	candidate := raw
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		candidate = raw[start : end+1]
	}

	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.RepairJSON(candidate)
	if err == nil {
		if err := json.Unmarshal([]byte(repaired), out); err == nil {
			return nil
		}
	}

	return core.E(core.CodeModelOutput, "model output is not valid JSON")
}
