package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/core"
)

func TestNewClientExplicitProvider(t *testing.T) {
	client, err := NewClient(WithProvider("mock"))
	require.NoError(t, err)
	require.NotNil(t, client)

	resp, err := client.GenerateResponse(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", resp.Model)
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(WithProvider("nonexistent"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestNewClientAutoDetectsOpenAI(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	client, err := NewClient()
	require.NoError(t, err)
	_, ok := client.(*OpenAIClient)
	assert.True(t, ok)
}

func TestNewClientNoProviderConfigured(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestListProvidersIncludesBuiltins(t *testing.T) {
	names := ListProviders()
	assert.Contains(t, names, "openai")
	assert.Contains(t, names, "mock")
}

func TestMockClientRulesAndQueue(t *testing.T) {
	m := NewMockClient().
		Respond("weather", "sunny").
		Enqueue("first", "second")

	ctx := context.Background()
	resp, err := m.GenerateResponse(ctx, "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = m.GenerateResponse(ctx, "what is the weather", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content, "queue takes precedence over rules")

	resp, err = m.GenerateResponse(ctx, "what is the weather", nil)
	require.NoError(t, err)
	assert.Equal(t, "sunny", resp.Content)

	resp, err = m.GenerateResponse(ctx, "unmatched", nil)
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Content)

	assert.Equal(t, 4, m.CallCount())
}

func TestMockClientFailureInjection(t *testing.T) {
	m := NewMockClient().FailWith(assert.AnError)
	_, err := m.GenerateResponse(context.Background(), "x", nil)
	assert.ErrorIs(t, err, assert.AnError)

	m.FailWith(nil)
	_, err = m.GenerateResponse(context.Background(), "x", nil)
	assert.NoError(t, err)
}
