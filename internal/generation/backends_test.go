package generation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAICompleterSendsSingleRequest(t *testing.T) {
	var calls int
	var received openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"summary\":\"ok\"}"}}]}`)
	}))
	defer server.Close()

	completer, err := NewOpenAICompleter(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1/", HTTPClient: server.Client()})
	require.NoError(t, err)

	text, err := completer.Complete(context.Background(), CompletionRequest{System: "sys", Prompt: "hello", JSON: true})
	require.NoError(t, err)
	require.Equal(t, `{"summary":"ok"}`, text)
	require.Equal(t, 1, calls)
	require.Equal(t, defaultOpenAIModel, received.Model)
	require.Len(t, received.Messages, 2)
	require.Equal(t, "system", received.Messages[0].Role)
	require.NotNil(t, received.ResponseFormat)
	require.Equal(t, "json_object", received.ResponseFormat.Type)
}

func TestOpenAICompleterDoesNotRetryFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	completer, err := NewOpenAICompleter(OpenAIConfig{APIKey: "k", BaseURL: server.URL, HTTPClient: server.Client()})
	require.NoError(t, err)
	_, err = completer.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
	require.Equal(t, 1, calls)

	client := NewClient(ClientConfig{Completer: completer})
	require.Equal(t, FallbackJoke, client.GenerateJokeOrFact(context.Background(), KindJoke))
	require.Equal(t, 2, calls)
}

func TestAnthropicCompleterReadsTextBlocks(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotEmpty(t, body["system"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5",`+
			`"content":[{"type":"text","text":"Great sharing! "},{"type":"text","text":"🌟"}],`+
			`"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`)
	}))
	defer server.Close()

	completer, err := NewAnthropicCompleter(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL, HTTPClient: server.Client()})
	require.NoError(t, err)

	text, err := completer.Complete(context.Background(), CompletionRequest{System: "be kind", Prompt: "celebrate"})
	require.NoError(t, err)
	require.Equal(t, "Great sharing! 🌟", text)
	require.Equal(t, 1, calls)
}

func TestGeminiCompleterReturnsCandidateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		generationConfig, _ := body["generationConfig"].(map[string]any)
		require.Equal(t, "application/json", generationConfig["responseMimeType"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"polishedText\":\"hi\"}"}]},"finishReason":"STOP"}]}`)
	}))
	defer server.Close()

	completer, err := NewGeminiCompleter(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: server.URL, HTTPClient: server.Client()})
	require.NoError(t, err)

	text, err := completer.Complete(context.Background(), CompletionRequest{System: "json please", Prompt: "polish", JSON: true})
	require.NoError(t, err)
	require.Equal(t, `{"polishedText":"hi"}`, text)
}

func TestNewCompleterSelectsProvider(t *testing.T) {
	ctx := context.Background()

	none, err := NewCompleter(ctx, ProviderConfig{Provider: "none"})
	require.NoError(t, err)
	require.Nil(t, none)

	openAI, err := NewCompleter(ctx, ProviderConfig{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &OpenAICompleter{}, openAI)

	claude, err := NewCompleter(ctx, ProviderConfig{Provider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &AnthropicCompleter{}, claude)

	missingKey, err := NewCompleter(ctx, ProviderConfig{Provider: ProviderOpenAI})
	require.Error(t, err)
	require.Nil(t, missingKey)

	_, err = NewCompleter(ctx, ProviderConfig{Provider: "llama"})
	require.Error(t, err)
}
