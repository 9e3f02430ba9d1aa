package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

func init() {
	RegisterProvider("openai", &openAIFactory{})
}

type openAIFactory struct{}

func (f *openAIFactory) Create(config *AIConfig) core.AIClient {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	client := &OpenAIClient{
		apiKey:      apiKey,
		baseURL:     config.BaseURL,
		model:       config.Model,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		httpClient:  &http.Client{Timeout: config.Timeout},
		logger:      config.Logger,
		telemetry:   config.Telemetry,
	}
	if client.baseURL == "" {
		client.baseURL = envOr("OPENAI_BASE_URL", "https://api.openai.com/v1")
	}
	if client.model == "" {
		client.model = envOr("OPENAI_MODEL", "gpt-4o-mini")
	}
	return client
}

func (f *openAIFactory) DetectEnv() bool {
	return os.Getenv("OPENAI_API_KEY") != ""
}

// OpenAIClient implements core.AIClient over the chat completions API
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      core.Logger
	telemetry   core.Telemetry
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateResponse sends one chat completion request. Failures are returned
// as core.APIError with service "llm" so the caller's breaker and retry
// policies apply uniformly.
func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "ai.generate_response")
	defer span.End()
	span.SetAttribute("ai.provider", "openai")
	span.SetAttribute("ai.prompt_length", len(prompt))

	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key not configured", core.ErrMissingConfiguration)
	}

	model := c.model
	temperature := c.temperature
	maxTokens := c.maxTokens
	var system string
	if options != nil {
		if options.Model != "" {
			model = options.Model
		}
		if options.Temperature > 0 {
			temperature = float64(options.Temperature)
		}
		if options.MaxTokens > 0 {
			maxTokens = options.MaxTokens
		}
		system = options.SystemPrompt
	}
	span.SetAttribute("ai.model", model)

	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		kind := core.KindTransient
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = core.KindTimeout
		}
		span.RecordError(err)
		return nil, &core.APIError{Kind: kind, Service: providers.ServiceLLM, Method: "chat.completions", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		span.RecordError(err)
		return nil, &core.APIError{Kind: core.KindTransient, Service: providers.ServiceLLM, Method: "chat.completions", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := providers.ClassifyHTTPStatus(providers.ServiceLLM, "chat.completions", resp.StatusCode, string(data), retryAfterHeader(resp))
		span.RecordError(apiErr)
		c.logger.Warn("OpenAI request failed", map[string]interface{}{
			"operation":   "ai_request",
			"provider":    "openai",
			"model":       model,
			"status":      resp.StatusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &core.APIError{Kind: core.KindUnknown, Service: providers.ServiceLLM, Method: "chat.completions", Err: err}
	}
	if parsed.Error != nil {
		return nil, &core.APIError{
			Kind:    core.KindUnknown,
			Service: providers.ServiceLLM,
			Method:  "chat.completions",
			Message: parsed.Error.Message,
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &core.APIError{
			Kind:    core.KindUnknown,
			Service: providers.ServiceLLM,
			Method:  "chat.completions",
			Message: "no choices in response",
		}
	}

	c.logger.Debug("OpenAI request completed", map[string]interface{}{
		"operation":    "ai_request",
		"provider":     "openai",
		"model":        model,
		"total_tokens": parsed.Usage.TotalTokens,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	c.telemetry.RecordMetric("ai.tokens.total", float64(parsed.Usage.TotalTokens), map[string]string{"provider": "openai"})

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
