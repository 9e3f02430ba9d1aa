package ai

import (
	"context"
	"strings"
	"sync"

	"github.com/ezhong0/aiassistant-sub012/core"
)

func init() {
	RegisterProvider("mock", &mockFactory{})
}

type mockFactory struct{}

func (f *mockFactory) Create(config *AIConfig) core.AIClient {
	return NewMockClient()
}

// The mock never volunteers itself for auto-detection
func (f *mockFactory) DetectEnv() bool { return false }

// mockRule maps a prompt substring to a canned completion
type mockRule struct {
	contains string
	response string
}

// MockClient is a deterministic AIClient for tests and cached evaluation
// runs. Responses are matched by prompt substring in registration order,
// with an optional queue that takes precedence for scripted conversations.
type MockClient struct {
	mu      sync.Mutex
	rules   []mockRule
	queue   []string
	prompts []string
	err     error
}

// NewMockClient creates an empty mock; unmatched prompts get a stub reply
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Respond registers a canned response for prompts containing the substring
func (m *MockClient) Respond(contains, response string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{contains: contains, response: response})
	return m
}

// Enqueue schedules responses returned in order before rule matching applies
func (m *MockClient) Enqueue(responses ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
	return m
}

// FailWith makes every call return err until cleared with nil
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Prompts returns every prompt seen, in call order
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// CallCount returns the number of GenerateResponse invocations
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// GenerateResponse returns the scripted response for the prompt
func (m *MockClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)

	if m.err != nil {
		return nil, m.err
	}

	content := ""
	if len(m.queue) > 0 {
		content = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		for _, rule := range m.rules {
			if strings.Contains(prompt, rule.contains) {
				content = rule.response
				break
			}
		}
	}
	if content == "" {
		content = "mock response"
	}

	return &core.AIResponse{
		Content: content,
		Model:   "mock",
		Usage: core.TokenUsage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}, nil
}
