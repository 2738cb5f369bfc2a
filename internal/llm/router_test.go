package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

type fakeChatBody struct {
	Model    string                     `json:"model"`
	Messages []core.ConversationMessage `json:"messages"`
}

type fakeEmbedBody struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

// fakeSpec builds a minimal provider record pointed at the test server.
func fakeSpec(name, baseURL string) *ProviderSpec {
	return &ProviderSpec{
		Name:              name,
		DefaultChatModel:  "test-chat",
		DefaultEmbedModel: "test-embed",
		ChatEndpoint:      baseURL + "/chat",
		EmbedEndpoint:     baseURL + "/embed",
		Headers: func(apiKey string) map[string]string {
			return map[string]string{
				"Authorization": "Bearer " + apiKey,
				"Content-Type":  "application/json",
			}
		},
		ChatPayload: func(model string, messages []core.ConversationMessage, opts ChatOptions) ([]byte, error) {
			return json.Marshal(fakeChatBody{Model: model, Messages: messages})
		},
		ParseChat: func(body []byte) (core.ConversationMessage, *Usage, error) {
			var parsed struct {
				Reply string `json:"reply"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return core.ConversationMessage{}, nil, err
			}
			return core.ConversationMessage{Role: "assistant", Content: parsed.Reply}, nil, nil
		},
		EmbedPayload: func(model string, texts []string) ([]byte, error) {
			return json.Marshal(fakeEmbedBody{Model: model, Inputs: texts})
		},
		ParseEmbed: func(body []byte) ([][]float32, error) {
			var parsed struct {
				Vectors [][]float32 `json:"vectors"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, err
			}
			return parsed.Vectors, nil
		},
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, Factor: 1}
}

func newTestRouter(t *testing.T, handler http.Handler) (*Router, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	router := NewRouter(Config{
		DefaultChatProvider:  "fake",
		DefaultEmbedProvider: "fake",
		HTTPClient:           server.Client(),
		ChatRetry:            fastRetry(),
		EmbedRetry:           fastRetry(),
	}, zerolog.Nop())
	router.Register(fakeSpec("fake", server.URL), "test-key")
	return router, server
}

func TestChat_HappyPath(t *testing.T) {
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body fakeChatBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-chat", body.Model)
		json.NewEncoder(w).Encode(map[string]string{"reply": "hello there"})
	}))

	result, err := router.Chat(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "hi"},
	}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fake", result.Provider)
	assert.Equal(t, "hello there", result.Message.Content)
}

func TestChat_RetriesExactlyAttemptsThenFails(t *testing.T) {
	var hits atomic.Int64
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream on fire", http.StatusInternalServerError)
	}))

	_, err := router.Chat(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "hi"},
	}, ChatOptions{})
	require.Error(t, err)
	assert.Equal(t, core.CodeProviderDown, core.AsError(err).Code)
	assert.EqualValues(t, 3, hits.Load())
}

func TestChat_ErrorBodyIsTruncated(t *testing.T) {
	huge := strings.Repeat("x", 5000)
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, huge, http.StatusBadGateway)
	}))

	_, err := router.Chat(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "hi"},
	}, ChatOptions{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), huge)
	assert.Less(t, len(err.Error()), 400)
}

func TestChat_MissingAPIKeyNeverCallsProvider(t *testing.T) {
	var hits atomic.Int64
	router, server := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	router.Register(fakeSpec("keyless", server.URL), "")

	_, err := router.Chat(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "hi"},
	}, ChatOptions{Provider: "keyless"})
	require.Error(t, err)
	assert.Equal(t, core.CodeProviderDown, core.AsError(err).Code)
	assert.Zero(t, hits.Load())
}

func TestChat_UnknownProvider(t *testing.T) {
	router := NewRouter(Config{}, zerolog.Nop())
	_, err := router.Chat(context.Background(), []core.ConversationMessage{
		{Role: "user", Content: "hi"},
	}, ChatOptions{Provider: "does-not-exist"})
	require.Error(t, err)
	assert.Equal(t, core.CodeProviderDown, core.AsError(err).Code)
}

func TestChat_EmptyConversationRejectedLocally(t *testing.T) {
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the provider")
	}))
	_, err := router.Chat(context.Background(), nil, ChatOptions{})
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.AsError(err).Code)
}

func TestEmbed_DeduplicatesAndRestoresOrder(t *testing.T) {
	var received [][]string
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body fakeEmbedBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body.Inputs)

		vectors := make([][]float32, len(body.Inputs))
		for i, text := range body.Inputs {
			vectors[i] = []float32{float32(len(text))}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"vectors": vectors})
	}))

	result, err := router.Embed(context.Background(), []string{"aa", "b", "aa", "ccc"}, EmbedOptions{})
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, []string{"aa", "b", "ccc"}, received[0], "duplicates collapse before the provider call")

	require.Len(t, result.Embeddings, 4)
	assert.Equal(t, result.Embeddings[0], result.Embeddings[2], "duplicate inputs share one vector")
	assert.Equal(t, []float32{2}, result.Embeddings[0])
	assert.Equal(t, []float32{1}, result.Embeddings[1])
	assert.Equal(t, []float32{3}, result.Embeddings[3])
}

func TestEmbed_TruncatesLongInputs(t *testing.T) {
	var received []string
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body fakeEmbedBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = body.Inputs

		vectors := make([][]float32, len(body.Inputs))
		for i := range vectors {
			vectors[i] = []float32{1}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"vectors": vectors})
	}))

	long := strings.Repeat("é", 450)
	other := strings.Repeat("é", 460)
	result, err := router.Embed(context.Background(), []string{long, other}, EmbedOptions{})
	require.NoError(t, err)

	// Both inputs collapse to the same 400-rune prefix.
	require.Len(t, received, 1)
	assert.Equal(t, 400, len([]rune(received[0])))
	require.Len(t, result.Embeddings, 2)
}

func TestEmbed_CountMismatchIsProviderFailure(t *testing.T) {
	router, _ := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"vectors": [][]float32{}})
	}))

	_, err := router.Embed(context.Background(), []string{"one", "two"}, EmbedOptions{})
	require.Error(t, err)
	assert.Equal(t, core.CodeProviderDown, core.AsError(err).Code)
}
