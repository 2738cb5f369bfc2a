package llm

import (
	"encoding/json"
	"fmt"

	"github.com/dompet/backend/internal/core"
)

// ProviderSpec is a capability record: everything the router needs to talk
// to one vendor. Adding a provider means adding a record here, never
// touching callers.
type ProviderSpec struct {
	Name              string
	APIKeyEnv         string
	DefaultChatModel  string
	DefaultEmbedModel string
	ChatEndpoint      string
	EmbedEndpoint     string

	// Headers builds the auth/content headers for a request.
	Headers func(apiKey string) map[string]string

	// ChatPayload serialises a chat request body.
	ChatPayload func(model string, messages []core.ConversationMessage, opts ChatOptions) ([]byte, error)

	// ParseChat extracts the assistant message and usage from a 2xx body.
	ParseChat func(body []byte) (core.ConversationMessage, *Usage, error)

	// EmbedPayload serialises an embedding request body for one batch.
	EmbedPayload func(model string, texts []string) ([]byte, error)

	// ParseEmbed extracts vectors, in input order, from a 2xx body.
	ParseEmbed func(body []byte) ([][]float32, error)
}

// builtinProviders returns the provider registry. Endpoints follow the
// public REST APIs; wire formats live entirely inside these records.
func builtinProviders() map[string]*ProviderSpec {
	return map[string]*ProviderSpec{
		"openai":    openAISpec(),
		"anthropic": anthropicSpec(),
		"gemini":    geminiSpec(),
	}
}

// ---------------------------------------------------------------------------
// OpenAI
// ---------------------------------------------------------------------------

func openAISpec() *ProviderSpec {
	return &ProviderSpec{
		Name:              "openai",
		APIKeyEnv:         "OPENAI_API_KEY",
		DefaultChatModel:  "gpt-4o-mini",
		DefaultEmbedModel: "text-embedding-3-small",
		ChatEndpoint:      "https://api.openai.com/v1/chat/completions",
		EmbedEndpoint:     "https://api.openai.com/v1/embeddings",
		Headers: func(apiKey string) map[string]string {
			return map[string]string{
				"Authorization": "Bearer " + apiKey,
				"Content-Type":  "application/json",
			}
		},
		ChatPayload: func(model string, messages []core.ConversationMessage, opts ChatOptions) ([]byte, error) {
			type msg struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			}
			body := struct {
				Model       string  `json:"model"`
				Messages    []msg   `json:"messages"`
				Temperature float64 `json:"temperature"`
				MaxTokens   int     `json:"max_tokens,omitempty"`
			}{Model: model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}
			for _, m := range messages {
				body.Messages = append(body.Messages, msg{Role: m.Role, Content: m.Content})
			}
			return json.Marshal(body)
		},
		ParseChat: func(body []byte) (core.ConversationMessage, *Usage, error) {
			var resp struct {
				Choices []struct {
					Message struct {
						Role    string `json:"role"`
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
				Usage *Usage `json:"usage"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return core.ConversationMessage{}, nil, err
			}
			if len(resp.Choices) == 0 {
				return core.ConversationMessage{}, nil, fmt.Errorf("empty choices in response")
			}
			m := resp.Choices[0].Message
			return core.ConversationMessage{Role: m.Role, Content: m.Content}, resp.Usage, nil
		},
		EmbedPayload: func(model string, texts []string) ([]byte, error) {
			return json.Marshal(struct {
				Model string   `json:"model"`
				Input []string `json:"input"`
			}{Model: model, Input: texts})
		},
		ParseEmbed: func(body []byte) ([][]float32, error) {
			var resp struct {
				Data []struct {
					Index     int       `json:"index"`
					Embedding []float32 `json:"embedding"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			out := make([][]float32, len(resp.Data))
			for _, d := range resp.Data {
				if d.Index < 0 || d.Index >= len(out) {
					return nil, fmt.Errorf("embedding index %d out of range", d.Index)
				}
				out[d.Index] = d.Embedding
			}
			return out, nil
		},
	}
}

// ---------------------------------------------------------------------------
// Anthropic
// ---------------------------------------------------------------------------

func anthropicSpec() *ProviderSpec {
	return &ProviderSpec{
		Name:             "anthropic",
		APIKeyEnv:        "ANTHROPIC_API_KEY",
		DefaultChatModel: "claude-3-5-haiku-latest",
		ChatEndpoint:     "https://api.anthropic.com/v1/messages",
		Headers: func(apiKey string) map[string]string {
			return map[string]string{
				"x-api-key":         apiKey,
				"anthropic-version": "2023-06-01",
				"Content-Type":      "application/json",
			}
		},
		ChatPayload: func(model string, messages []core.ConversationMessage, opts ChatOptions) ([]byte, error) {
			type msg struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			}
			// Anthropic takes the system prompt out of band.
			var system string
			var rest []msg
			for _, m := range messages {
				if m.Role == "system" {
					system = m.Content
					continue
				}
				rest = append(rest, msg{Role: m.Role, Content: m.Content})
			}
			maxTokens := opts.MaxTokens
			if maxTokens == 0 {
				maxTokens = 1024
			}
			return json.Marshal(struct {
				Model       string  `json:"model"`
				System      string  `json:"system,omitempty"`
				Messages    []msg   `json:"messages"`
				MaxTokens   int     `json:"max_tokens"`
				Temperature float64 `json:"temperature,omitempty"`
			}{Model: model, System: system, Messages: rest, MaxTokens: maxTokens, Temperature: opts.Temperature})
		},
		ParseChat: func(body []byte) (core.ConversationMessage, *Usage, error) {
			var resp struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return core.ConversationMessage{}, nil, err
			}
			if len(resp.Content) == 0 {
				return core.ConversationMessage{}, nil, fmt.Errorf("empty content in response")
			}
			usage := &Usage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			}
			return core.ConversationMessage{Role: "assistant", Content: resp.Content[0].Text}, usage, nil
		},
	}
}

// ---------------------------------------------------------------------------
// Gemini
// ---------------------------------------------------------------------------

func geminiSpec() *ProviderSpec {
	return &ProviderSpec{
		Name:              "gemini",
		APIKeyEnv:         "GEMINI_API_KEY",
		DefaultChatModel:  "gemini-2.0-flash",
		DefaultEmbedModel: "text-embedding-004",
		ChatEndpoint:      "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent",
		EmbedEndpoint:     "https://generativelanguage.googleapis.com/v1beta/models/%s:batchEmbedContents",
		Headers: func(apiKey string) map[string]string {
			return map[string]string{
				"x-goog-api-key": apiKey,
				"Content-Type":   "application/json",
			}
		},
		ChatPayload: func(model string, messages []core.ConversationMessage, opts ChatOptions) ([]byte, error) {
			type part struct {
				Text string `json:"text"`
			}
			type content struct {
				Role  string `json:"role,omitempty"`
				Parts []part `json:"parts"`
			}
			body := struct {
				SystemInstruction *content  `json:"system_instruction,omitempty"`
				Contents          []content `json:"contents"`
				GenerationConfig  struct {
					Temperature     float64 `json:"temperature"`
					MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
				} `json:"generationConfig"`
			}{}
			body.GenerationConfig.Temperature = opts.Temperature
			body.GenerationConfig.MaxOutputTokens = opts.MaxTokens
			for _, m := range messages {
				switch m.Role {
				case "system":
					body.SystemInstruction = &content{Parts: []part{{Text: m.Content}}}
				case "assistant":
					body.Contents = append(body.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
				default:
					body.Contents = append(body.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
				}
			}
			return json.Marshal(body)
		},
		ParseChat: func(body []byte) (core.ConversationMessage, *Usage, error) {
			var resp struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text string `json:"text"`
						} `json:"parts"`
					} `json:"content"`
				} `json:"candidates"`
				UsageMetadata struct {
					PromptTokenCount     int `json:"promptTokenCount"`
					CandidatesTokenCount int `json:"candidatesTokenCount"`
					TotalTokenCount      int `json:"totalTokenCount"`
				} `json:"usageMetadata"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return core.ConversationMessage{}, nil, err
			}
			if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
				return core.ConversationMessage{}, nil, fmt.Errorf("empty candidates in response")
			}
			usage := &Usage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			}
			return core.ConversationMessage{Role: "assistant", Content: resp.Candidates[0].Content.Parts[0].Text}, usage, nil
		},
		EmbedPayload: func(model string, texts []string) ([]byte, error) {
			type part struct {
				Text string `json:"text"`
			}
			type content struct {
				Parts []part `json:"parts"`
			}
			type request struct {
				Model   string  `json:"model"`
				Content content `json:"content"`
			}
			body := struct {
				Requests []request `json:"requests"`
			}{}
			for _, t := range texts {
				body.Requests = append(body.Requests, request{
					Model:   "models/" + model,
					Content: content{Parts: []part{{Text: t}}},
				})
			}
			return json.Marshal(body)
		},
		ParseEmbed: func(body []byte) ([][]float32, error) {
			var resp struct {
				Embeddings []struct {
					Values []float32 `json:"values"`
				} `json:"embeddings"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			out := make([][]float32, len(resp.Embeddings))
			for i, e := range resp.Embeddings {
				out[i] = e.Values
			}
			return out, nil
		},
	}
}
