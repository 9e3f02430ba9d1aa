package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. It is loaded once at startup
// (defaults -> file -> environment -> options) and held immutable thereafter.
type Config struct {
	Name string `yaml:"name"`

	AI            AIConfig            `yaml:"ai"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Redis         RedisConfig         `yaml:"redis"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AIConfig configures the shared LLM client
type AIConfig struct {
	Provider          string        `yaml:"provider"` // "openai" or "mock"
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Temperature       float32       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// ProviderEndpoint configures one external mailbox/calendar/contacts service
type ProviderEndpoint struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
	RedirectURL  string        `yaml:"redirect_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ProvidersConfig groups the external provider endpoints
type ProvidersConfig struct {
	Email    ProviderEndpoint `yaml:"email"`
	Calendar ProviderEndpoint `yaml:"calendar"`
	Contacts ProviderEndpoint `yaml:"contacts"`
}

// RedisConfig configures the optional Redis-backed stores (tokens, caches).
// When URL is empty the in-memory implementations are used.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// OrchestrationConfig bounds a single request
type OrchestrationConfig struct {
	RequestDeadline   time.Duration `yaml:"request_deadline"`
	NodeTimeout       time.Duration `yaml:"node_timeout"`
	MaxPlanNodes      int           `yaml:"max_plan_nodes"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	ServiceCaps       map[string]int `yaml:"service_caps"`
	HistoryMaxEntries int           `yaml:"history_max_entries"`
	HistoryMaxTokens  int           `yaml:"history_max_tokens"`
	HistorySize       int           `yaml:"history_size"` // execution history ring
	UserContextTTL    time.Duration `yaml:"user_context_ttl"`
	PlanCacheTTL      time.Duration `yaml:"plan_cache_ttl"`
}

// ResilienceConfig configures retries and circuit breakers
type ResilienceConfig struct {
	RetryMaxAttempts      int           `yaml:"retry_max_attempts"`
	RetryInitialDelay     time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay         time.Duration `yaml:"retry_max_delay"`
	BreakerFailures       int           `yaml:"breaker_failures"`
	BreakerWindow         time.Duration `yaml:"breaker_window"`
	BreakerCoolOff        time.Duration `yaml:"breaker_cool_off"`
	BreakerHalfOpenProbes int           `yaml:"breaker_half_open_probes"`
}

// TelemetryConfig configures tracing and metrics
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// LoggingConfig configures the JSON logger
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Option configures a Config
type Option func(*Config) error

// DefaultConfig returns the baseline configuration
func DefaultConfig() *Config {
	return &Config{
		Name: "assistant",
		AI: AIConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Temperature:       0.3,
			MaxTokens:         2000,
			Timeout:           60 * time.Second,
			MaxConcurrent:     4,
			RequestsPerSecond: 4,
		},
		Providers: ProvidersConfig{
			Email:    ProviderEndpoint{Timeout: 10 * time.Second},
			Calendar: ProviderEndpoint{Timeout: 10 * time.Second},
			Contacts: ProviderEndpoint{Timeout: 10 * time.Second},
		},
		Orchestration: OrchestrationConfig{
			RequestDeadline: 30 * time.Second,
			NodeTimeout:     10 * time.Second,
			MaxPlanNodes:    12,
			MaxConcurrency:  32,
			ServiceCaps: map[string]int{
				"email":    8,
				"calendar": 8,
				"contacts": 4,
				"llm":      4,
			},
			HistoryMaxEntries: 10,
			HistoryMaxTokens:  5000,
			HistorySize:       100,
			UserContextTTL:    2 * time.Minute,
			PlanCacheTTL:      5 * time.Minute,
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:      3,
			RetryInitialDelay:     100 * time.Millisecond,
			RetryMaxDelay:         5 * time.Second,
			BreakerFailures:       5,
			BreakerWindow:         30 * time.Second,
			BreakerCoolOff:        30 * time.Second,
			BreakerHalfOpenProbes: 1,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "assistant",
			MetricsEnabled: true,
			TracingEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// NewConfig builds a Config from defaults, environment and options, in that order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ASSISTANT_NAME"); v != "" {
		c.Name = v
	}

	// AI settings
	if v := os.Getenv("ASSISTANT_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("ASSISTANT_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("ASSISTANT_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("ASSISTANT_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("ASSISTANT_AI_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AI.MaxConcurrent = n
		}
	}

	// Provider endpoints
	loadEndpointFromEnv("EMAIL", &c.Providers.Email)
	loadEndpointFromEnv("CALENDAR", &c.Providers.Calendar)
	loadEndpointFromEnv("CONTACTS", &c.Providers.Contacts)

	// Redis
	if v := os.Getenv("ASSISTANT_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	// Orchestration bounds
	if v := os.Getenv("ASSISTANT_REQUEST_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestration.RequestDeadline = d
		}
	}
	if v := os.Getenv("ASSISTANT_NODE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestration.NodeTimeout = d
		}
	}
	if v := os.Getenv("ASSISTANT_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestration.MaxConcurrency = n
		}
	}

	// Telemetry
	if v := os.Getenv("ASSISTANT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}

	// Logging
	if v := os.Getenv("ASSISTANT_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ASSISTANT_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	return nil
}

func loadEndpointFromEnv(name string, ep *ProviderEndpoint) {
	prefix := "ASSISTANT_" + name + "_"
	if v := os.Getenv(prefix + "BASE_URL"); v != "" {
		ep.BaseURL = v
	}
	if v := os.Getenv(prefix + "CLIENT_ID"); v != "" {
		ep.ClientID = v
	}
	if v := os.Getenv(prefix + "CLIENT_SECRET"); v != "" {
		ep.ClientSecret = v
	}
	if v := os.Getenv(prefix + "TOKEN_URL"); v != "" {
		ep.TokenURL = v
	}
	if v := os.Getenv(prefix + "REDIRECT_URL"); v != "" {
		ep.RedirectURL = v
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &FrameworkError{
			Op:   "config.LoadFromFile",
			Kind: "config",
			ID:   path,
			Err:  err,
		}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &FrameworkError{
			Op:   "config.LoadFromFile",
			Kind: "config",
			ID:   path,
			Err:  fmt.Errorf("%w: %v", ErrInvalidConfiguration, err),
		}
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.AI.Provider == "" {
		return fmt.Errorf("%w: ai.provider", ErrMissingConfiguration)
	}
	if c.AI.Provider == "openai" && c.AI.APIKey == "" {
		return fmt.Errorf("%w: ai.api_key for provider openai", ErrMissingConfiguration)
	}
	if c.Orchestration.RequestDeadline <= 0 {
		return fmt.Errorf("%w: orchestration.request_deadline must be positive", ErrInvalidConfiguration)
	}
	if c.Orchestration.NodeTimeout <= 0 {
		return fmt.Errorf("%w: orchestration.node_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.Orchestration.MaxPlanNodes <= 0 {
		return fmt.Errorf("%w: orchestration.max_plan_nodes must be positive", ErrInvalidConfiguration)
	}
	if c.Orchestration.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: orchestration.max_concurrency must be positive", ErrInvalidConfiguration)
	}
	if c.Resilience.BreakerFailures <= 0 {
		return fmt.Errorf("%w: resilience.breaker_failures must be positive", ErrInvalidConfiguration)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfiguration, c.Logging.Level)
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Functional options

// WithName sets the service name
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithOpenAIAPIKey sets the OpenAI API key and selects the openai provider
func WithOpenAIAPIKey(key string) Option {
	return func(c *Config) error {
		c.AI.Provider = "openai"
		c.AI.APIKey = key
		return nil
	}
}

// WithAIProvider selects the LLM provider ("openai" or "mock")
func WithAIProvider(provider string) Option {
	return func(c *Config) error {
		c.AI.Provider = provider
		return nil
	}
}

// WithRedisURL enables the Redis-backed token store and caches
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithRequestDeadline overrides the per-request deadline
func WithRequestDeadline(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("%w: request deadline must be positive", ErrInvalidConfiguration)
		}
		c.Orchestration.RequestDeadline = d
		return nil
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToLower(level)
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}
