package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dompet/backend/internal/core"
)

const maxBodyBytes = 1 << 20 // 1 MiB request cap

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorEnvelope is the wire form of every failure: {code, message, details?}.
type errorEnvelope struct {
	Code    core.Code              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	typed := core.AsError(err)
	writeJSON(w, core.HTTPStatus(typed.Code), errorEnvelope{
		Code:    typed.Code,
		Message: typed.Message,
		Details: typed.Details,
	})
}

// decodeBody parses a JSON body strictly: unknown fields are rejected so
// client typos fail loudly instead of being silently ignored.
func decodeBody(r *http.Request, out interface{}) error {
	defer io.Copy(io.Discard, r.Body) //nolint:errcheck
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return core.ValidationError([]string{"invalid JSON body: " + err.Error()})
	}
	return nil
}
