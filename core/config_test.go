package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.Orchestration.RequestDeadline)
	assert.Equal(t, 10*time.Second, cfg.Orchestration.NodeTimeout)
	assert.Equal(t, 32, cfg.Orchestration.MaxConcurrency)
	assert.Equal(t, 8, cfg.Orchestration.ServiceCaps["email"])
	assert.Equal(t, 4, cfg.Orchestration.ServiceCaps["llm"])
	assert.Equal(t, 10, cfg.Orchestration.HistoryMaxEntries)
	assert.Equal(t, 5000, cfg.Orchestration.HistoryMaxTokens)
	assert.Equal(t, 5, cfg.Resilience.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.Resilience.BreakerWindow)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ASSISTANT_AI_PROVIDER", "mock")
	t.Setenv("ASSISTANT_REQUEST_DEADLINE", "15s")
	t.Setenv("ASSISTANT_EMAIL_BASE_URL", "https://mail.example.com")
	t.Setenv("ASSISTANT_LOG_LEVEL", "DEBUG")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "mock", cfg.AI.Provider)
	assert.Equal(t, 15*time.Second, cfg.Orchestration.RequestDeadline)
	assert.Equal(t, "https://mail.example.com", cfg.Providers.Email.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestNewConfigValidates(t *testing.T) {
	_, err := NewConfig(WithAIProvider("openai"))
	require.Error(t, err, "openai provider without key must fail validation")
	assert.ErrorIs(t, err, ErrMissingConfiguration)

	cfg, err := NewConfig(WithAIProvider("mock"), WithRequestDeadline(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Orchestration.RequestDeadline)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.Provider = "mock"
	cfg.Orchestration.NodeTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)

	cfg = DefaultConfig()
	cfg.AI.Provider = "mock"
	cfg.Logging.Level = "loud"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("name: test-assistant\nai:\n  provider: mock\norchestration:\n  max_plan_nodes: 6\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, "test-assistant", cfg.Name)
	assert.Equal(t, "mock", cfg.AI.Provider)
	assert.Equal(t, 6, cfg.Orchestration.MaxPlanNodes)

	err := cfg.LoadFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
