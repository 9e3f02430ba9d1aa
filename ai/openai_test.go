package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/core"
)

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) (*OpenAIClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	factory := &openAIFactory{}
	client := factory.Create(&AIConfig{
		APIKey:      "sk-test",
		BaseURL:     server.URL,
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   500,
		Timeout:     5 * time.Second,
		Logger:      &core.NoOpLogger{},
		Telemetry:   &core.NoOpTelemetry{},
	}).(*OpenAIClient)
	return client, server
}

func TestOpenAIGenerateResponse(t *testing.T) {
	var seen chatRequest
	client, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	})

	resp, err := client.GenerateResponse(context.Background(), "hello", &core.AIOptions{
		SystemPrompt: "you are terse",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "you are terse", seen.Messages[0].Content)
	assert.Equal(t, "hello", seen.Messages[1].Content)
}

func TestOpenAIOptionsOverrideDefaults(t *testing.T) {
	var seen chatRequest
	client, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	})

	_, err := client.GenerateResponse(context.Background(), "hello", &core.AIOptions{
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   64,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", seen.Model)
	assert.InDelta(t, 0.7, seen.Temperature, 1e-6)
	assert.Equal(t, 64, seen.MaxTokens)
}

func TestOpenAIClassifiesRateLimit(t *testing.T) {
	client, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GenerateResponse(context.Background(), "hello", nil)
	apiErr, ok := core.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindRateLimited, apiErr.Kind)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.True(t, apiErr.Retryable())
}

func TestOpenAIClassifiesServerError(t *testing.T) {
	client, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GenerateResponse(context.Background(), "hello", nil)
	apiErr, ok := core.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindTransient, apiErr.Kind)
}

func TestOpenAIClassifiesAuthError(t *testing.T) {
	client, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GenerateResponse(context.Background(), "hello", nil)
	apiErr, ok := core.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindAuth, apiErr.Kind)
	assert.False(t, apiErr.Retryable())
}

func TestOpenAIMissingAPIKey(t *testing.T) {
	client := &OpenAIClient{
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	_, err := client.GenerateResponse(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestOpenAIEmptyChoices(t *testing.T) {
	client, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	})

	_, err := client.GenerateResponse(context.Background(), "hello", nil)
	apiErr, ok := core.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindUnknown, apiErr.Kind)
}
