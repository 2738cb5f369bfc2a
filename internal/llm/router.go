// Package llm is the uniform façade over chat and embedding providers.
// Providers are capability records (endpoint, header builder, payload
// builder, response parser) selected by name; the router owns retries,
// backoff, cancellation, batching and deduplication.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/circuitbreaker"
	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/metrics"
)

const (
	embedMaxChars = 400
	embedMaxBatch = 32
)

// Usage is the token accounting a provider reports, when it reports any.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatOptions selects and tunes a chat call.
type ChatOptions struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// EmbedOptions selects an embedding call.
type EmbedOptions struct {
	Provider string
	Model    string
}

// ChatResult is the outcome of one chat call.
type ChatResult struct {
	Provider string                   `json:"provider"`
	Model    string                   `json:"model"`
	Message  core.ConversationMessage `json:"message"`
	Usage    *Usage                   `json:"usage,omitempty"`
}

// EmbedResult is the outcome of one embed call; vectors line up with the
// input texts.
type EmbedResult struct {
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// RetryPolicy is exponential backoff: Attempts tries total, starting at
// InitialDelay and multiplying by Factor between tries.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	Factor       float64
}

// DefaultChatRetry and DefaultEmbedRetry match the documented defaults.
var (
	DefaultChatRetry  = RetryPolicy{Attempts: 3, InitialDelay: 250 * time.Millisecond, Factor: 2}
	DefaultEmbedRetry = RetryPolicy{Attempts: 3, InitialDelay: 200 * time.Millisecond, Factor: 2}
)

// Config wires a Router.
type Config struct {
	DefaultChatProvider  string
	DefaultEmbedProvider string
	APIKeys              map[string]string // provider name → key
	HTTPClient           *http.Client
	ChatRetry            RetryPolicy
	EmbedRetry           RetryPolicy
}

// Router dispatches chat and embed calls to named providers.
type Router struct {
	providers    map[string]*ProviderSpec
	apiKeys      map[string]string
	httpClient   *http.Client
	defaultChat  string
	defaultEmbed string
	chatRetry    RetryPolicy
	embedRetry   RetryPolicy
	breakers     *circuitbreaker.Manager
	log          zerolog.Logger
}

// NewRouter builds a Router with the built-in provider registry.
func NewRouter(cfg Config, log zerolog.Logger) *Router {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	chatRetry := cfg.ChatRetry
	if chatRetry.Attempts == 0 {
		chatRetry = DefaultChatRetry
	}
	embedRetry := cfg.EmbedRetry
	if embedRetry.Attempts == 0 {
		embedRetry = DefaultEmbedRetry
	}
	defaultChat := cfg.DefaultChatProvider
	if defaultChat == "" {
		defaultChat = "openai"
	}
	defaultEmbed := cfg.DefaultEmbedProvider
	if defaultEmbed == "" {
		defaultEmbed = defaultChat
	}

	logger := log.With().Str("component", "provider-router").Logger()
	breakers := circuitbreaker.NewManager(nil)

	return &Router{
		providers:    builtinProviders(),
		apiKeys:      cfg.APIKeys,
		httpClient:   httpClient,
		defaultChat:  defaultChat,
		defaultEmbed: defaultEmbed,
		chatRetry:    chatRetry,
		embedRetry:   embedRetry,
		breakers:     breakers,
		log:          logger,
	}
}

// Register adds or replaces a provider record, keyed by spec.Name.
func (r *Router) Register(spec *ProviderSpec, apiKey string) {
	r.providers[spec.Name] = spec
	if r.apiKeys == nil {
		r.apiKeys = map[string]string{}
	}
	r.apiKeys[spec.Name] = apiKey
}

func (r *Router) resolve(name, fallback string) (*ProviderSpec, string, error) {
	if name == "" {
		name = fallback
	}
	spec, ok := r.providers[name]
	if !ok {
		return nil, "", core.E(core.CodeProviderDown, "unknown provider %q", name)
	}
	return spec, r.apiKeys[spec.Name], nil
}

// Chat sends a conversation to the selected provider.
func (r *Router) Chat(ctx context.Context, messages []core.ConversationMessage, opts ChatOptions) (*ChatResult, error) {
	if len(messages) == 0 {
		return nil, core.ValidationError([]string{"conversation must not be empty"})
	}
	spec, apiKey, err := r.resolve(opts.Provider, r.defaultChat)
	if err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = spec.DefaultChatModel
	}

	payload, err := spec.ChatPayload(model, messages, opts)
	if err != nil {
		return nil, core.WrapE(core.CodeInternal, err, "build chat payload for %s", spec.Name)
	}

	body, err := r.doRequest(ctx, spec, "chat", endpointFor(spec.ChatEndpoint, model), apiKey, payload, r.chatRetry)
	if err != nil {
		return nil, err
	}

	message, usage, err := spec.ParseChat(body)
	if err != nil {
		return nil, core.WrapE(core.CodeProviderDown, err, "parse %s chat response", spec.Name)
	}
	return &ChatResult{Provider: spec.Name, Model: model, Message: message, Usage: usage}, nil
}

// Embed embeds a batch of texts. Inputs are truncated to 400 characters,
// deduplicated across the batch, sent in chunks of at most 32, and the
// output order is restored through a reverse index.
func (r *Router) Embed(ctx context.Context, texts []string, opts EmbedOptions) (*EmbedResult, error) {
	if len(texts) == 0 {
		return nil, core.ValidationError([]string{"texts must not be empty"})
	}
	spec, apiKey, err := r.resolve(opts.Provider, r.defaultEmbed)
	if err != nil {
		return nil, err
	}
	if spec.EmbedEndpoint == "" {
		return nil, core.E(core.CodeProviderDown, "provider %q does not support embeddings", spec.Name)
	}
	model := opts.Model
	if model == "" {
		model = spec.DefaultEmbedModel
	}

	unique, reverse := dedupeTexts(texts)

	vectors := make([][]float32, len(unique))
	for start := 0; start < len(unique); start += embedMaxBatch {
		end := start + embedMaxBatch
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		payload, err := spec.EmbedPayload(model, batch)
		if err != nil {
			return nil, core.WrapE(core.CodeInternal, err, "build embed payload for %s", spec.Name)
		}
		body, err := r.doRequest(ctx, spec, "embed", endpointFor(spec.EmbedEndpoint, model), apiKey, payload, r.embedRetry)
		if err != nil {
			return nil, err
		}
		parsed, err := spec.ParseEmbed(body)
		if err != nil {
			return nil, core.WrapE(core.CodeProviderDown, err, "parse %s embed response", spec.Name)
		}
		if len(parsed) != len(batch) {
			return nil, core.E(core.CodeProviderDown, "%s returned %d embeddings for %d inputs", spec.Name, len(parsed), len(batch))
		}
		copy(vectors[start:end], parsed)
	}

	out := make([][]float32, len(texts))
	for i, uniqueIdx := range reverse {
		out[i] = vectors[uniqueIdx]
	}
	return &EmbedResult{Provider: spec.Name, Model: model, Embeddings: out}, nil
}

// dedupeTexts truncates each text to the embedding limit and collapses
// duplicates, returning the unique texts plus a reverse index mapping each
// original position to its unique slot.
func dedupeTexts(texts []string) (unique []string, reverse []int) {
	seen := map[string]int{}
	reverse = make([]int, len(texts))
	for i, t := range texts {
		t = truncateRunes(t, embedMaxChars)
		idx, ok := seen[t]
		if !ok {
			idx = len(unique)
			seen[t] = idx
			unique = append(unique, t)
		}
		reverse[i] = idx
	}
	return unique, reverse
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// endpointFor substitutes the model into templated endpoints (Gemini puts
// the model in the path).
func endpointFor(endpoint, model string) string {
	if strings.Contains(endpoint, "%s") {
		return fmt.Sprintf(endpoint, model)
	}
	return endpoint
}

// doRequest performs one provider call with retry, backoff, breaker and
// cancellation. Retries fire on network errors and any non-2xx status; the
// last error is surfaced on exhaustion, truncated so provider bodies cannot
// leak wholesale into user-facing messages.
func (r *Router) doRequest(ctx context.Context, spec *ProviderSpec, op, endpoint, apiKey string, payload []byte, retry RetryPolicy) ([]byte, error) {
	if apiKey == "" {
		return nil, core.E(core.CodeProviderDown, "provider %q has no API key configured", spec.Name)
	}

	breaker := r.breakers.Get(spec.Name + ":" + op)
	done, err := breaker.Allow()
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(spec.Name, op, "breaker_open").Inc()
		return nil, core.WrapE(core.CodeProviderDown, err, "provider %s is unavailable", spec.Name)
	}

	var lastErr error
	delay := retry.InitialDelay
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				done(false)
				return nil, core.WrapE(core.CodeCancelled, ctx.Err(), "provider call cancelled")
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * retry.Factor)
		}

		metrics.ProviderAttempts.WithLabelValues(spec.Name, op).Inc()
		body, err := r.once(ctx, spec, endpoint, apiKey, payload)
		if err == nil {
			done(true)
			return body, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			done(false)
			return nil, core.WrapE(core.CodeCancelled, err, "provider call cancelled")
		}
		lastErr = err
		r.log.Warn().Str("provider", spec.Name).Str("op", op).Int("attempt", attempt).Err(err).Msg("provider call failed")
	}

	done(false)
	metrics.ProviderFailures.WithLabelValues(spec.Name, op, "exhausted").Inc()
	return nil, core.E(core.CodeProviderDown, "%s %s failed after %d attempts: %s",
		spec.Name, op, retry.Attempts, truncateRunes(lastErr.Error(), 200))
}

func (r *Router) once(ctx context.Context, spec *ProviderSpec, endpoint, apiKey string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range spec.Headers(apiKey) {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncateRunes(string(body), 200))
	}
	return body, nil
}
