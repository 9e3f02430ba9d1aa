// Package ai provides LLM clients behind the core.AIClient interface.
// Providers self-register into a registry; NewClient selects one explicitly
// or by scanning the environment.
package ai

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// AIConfig holds client construction settings
type AIConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Logger      core.Logger
	Telemetry   core.Telemetry
}

// AIOption configures client creation
type AIOption func(*AIConfig)

// WithProvider selects a registered provider ("openai", "mock")
func WithProvider(name string) AIOption {
	return func(c *AIConfig) { c.Provider = name }
}

// WithAPIKey sets the API key explicitly
func WithAPIKey(key string) AIOption {
	return func(c *AIConfig) { c.APIKey = key }
}

// WithBaseURL overrides the provider endpoint (useful for proxies and tests)
func WithBaseURL(url string) AIOption {
	return func(c *AIConfig) { c.BaseURL = url }
}

// WithModel sets the default model
func WithModel(model string) AIOption {
	return func(c *AIConfig) { c.Model = model }
}

// WithTemperature sets the default sampling temperature
func WithTemperature(t float64) AIOption {
	return func(c *AIConfig) { c.Temperature = t }
}

// WithMaxTokens sets the default completion budget
func WithMaxTokens(n int) AIOption {
	return func(c *AIConfig) { c.MaxTokens = n }
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) AIOption {
	return func(c *AIConfig) { c.Logger = logger }
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(t core.Telemetry) AIOption {
	return func(c *AIConfig) { c.Telemetry = t }
}

// ProviderFactory builds a client from configuration
type ProviderFactory interface {
	Create(config *AIConfig) core.AIClient
	// DetectEnv reports whether the environment carries enough configuration
	// for this provider to work without explicit options
	DetectEnv() bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProviderFactory)
)

// RegisterProvider makes a provider available to NewClient
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetProvider looks up a registered provider factory
func GetProvider(name string) (ProviderFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// ListProviders returns registered provider names, sorted
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient creates an AI client. With no explicit provider it scans the
// environment: OPENAI_API_KEY selects openai, otherwise creation fails with
// the list of registered providers.
func NewClient(opts ...AIOption) (core.AIClient, error) {
	config := &AIConfig{
		Temperature: 0.2,
		MaxTokens:   2000,
		Timeout:     30 * time.Second,
		Logger:      &core.NoOpLogger{},
		Telemetry:   &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(config)
	}

	if config.Provider == "" {
		detected, err := detectBestProvider()
		if err != nil {
			return nil, err
		}
		config.Provider = detected
		config.Logger.Info("AI provider auto-detected", map[string]interface{}{
			"operation": "ai_provider_detection",
			"provider":  detected,
		})
	}

	factory, ok := GetProvider(config.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: AI provider %q not registered (available: %v)",
			core.ErrInvalidConfiguration, config.Provider, ListProviders())
	}

	client := factory.Create(config)
	config.Logger.Info("AI client created", map[string]interface{}{
		"operation": "ai_client_creation",
		"provider":  config.Provider,
	})
	return client, nil
}

func detectBestProvider() (string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	// Deterministic scan order; mock never auto-detects
	for _, name := range []string{"openai"} {
		if f, ok := registry[name]; ok && f.DetectEnv() {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no AI provider configured; set OPENAI_API_KEY or pass WithProvider",
		core.ErrMissingConfiguration)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
