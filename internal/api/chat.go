package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dompet/backend/internal/actions"
	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/health"
	"github.com/dompet/backend/internal/identity"
)

type chatRequest struct {
	Conversation []core.ConversationMessage `json:"conversation"`
	Options      *core.ChatTurnOptions      `json:"options"`
}

type chatResponse struct {
	Reply    string                   `json:"reply"`
	KPIs     map[string]core.KPI      `json:"kpis,omitempty"`
	Actions  []map[string]interface{} `json:"actions,omitempty"`
	Followup string                   `json:"followup,omitempty"`
}

func validateConversation(conversation []core.ConversationMessage) []string {
	var issues []string
	if len(conversation) == 0 {
		return []string{"conversation must contain at least one message"}
	}
	for i, msg := range conversation {
		switch msg.Role {
		case "user", "assistant", "system":
		default:
			issues = append(issues, "conversation["+strconv.Itoa(i)+"].role must be user, assistant or system")
		}
		if strings.TrimSpace(msg.Content) == "" {
			issues = append(issues, "conversation["+strconv.Itoa(i)+"].content must not be empty")
		}
	}
	return issues
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())

	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if issues := validateConversation(req.Conversation); len(issues) > 0 {
		writeError(w, core.ValidationError(issues))
		return
	}
	opts := core.ChatTurnOptions{}
	if req.Options != nil {
		opts = *req.Options
	}

	streaming := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	var stream *sseStream
	if streaming {
		stream = newSSEStream(w)
	}

	plan, intent := s.planner.Plan(r.Context(), req.Conversation, opts.Classification)
	if stream != nil {
		stream.send("intent", intent)
		stream.send("plan", plan)
	}

	outcome, err := s.executor.Execute(r.Context(), scope, plan, req.Conversation, opts)
	if err != nil {
		if stream != nil {
			stream.fail(err)
			return
		}
		writeError(w, err)
		return
	}

	resp := chatResponse{
		Reply:    outcome.FinalMessage,
		Followup: outcome.Followup,
	}

	// Attach the latest KPI set and suggestions when the user has any
	// computed history; a brand new user simply gets the reply.
	if latest, lerr := s.insights.Latest(r.Context(), scope.UserID); lerr == nil && latest != nil {
		score := health.Score(latest.KPIs)
		resp.KPIs = latest.KPIs
		for _, a := range actions.Suggest(latest.KPIs, score) {
			resp.Actions = append(resp.Actions, actionPayload(latest.KPIs, score, a))
		}
	}

	if stream == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	for _, chunk := range chunkText(resp.Reply, 48) {
		stream.send("chunk", map[string]string{"text": chunk})
	}
	stream.send("result", resp)
	stream.send("metadata", map[string]interface{}{
		"requestId":  RequestIDFrom(r.Context()),
		"intent":     intent.Intent,
		"confidence": intent.Confidence,
	})
	stream.done()
}

// chunkText splits a reply into rune-safe pieces for streaming.
func chunkText(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// ============================================================
// SSE plumbing
// ============================================================

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &sseStream{w: w, flusher: flusher}
}

func (s *sseStream) send(event string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("event: " + event + "\ndata: " + string(raw) + "\n\n"))
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// fail emits the error envelope followed by done, the SSE equivalent of a
// non-2xx response.
func (s *sseStream) fail(err error) {
	typed := core.AsError(err)
	s.send("error", errorEnvelope{Code: typed.Code, Message: typed.Message, Details: typed.Details})
	s.done()
}

func (s *sseStream) done() {
	s.send("done", map[string]bool{"ok": true})
}
