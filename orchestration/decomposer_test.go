package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/ai"
	"github.com/ezhong0/aiassistant-sub012/core"
)

const urgentPlanJSON = `{"nodes":[{"id":"n1","type":"metadata_filter","params":{"domain":"email","filters":["is:unread","newer_than:7d"],"max_results":50}},{"id":"n2","type":"urgency_detector","params":{"input_email_ids":["n1.items"],"threshold":"medium"}}]}`

func newDecomposerFixture(t *testing.T, mock *ai.MockClient) *Decomposer {
	t.Helper()
	return NewDecomposer(mock, newTestRegistry(t), NewPlanCache(NewMemoryCache(), time.Minute))
}

func TestDecomposeParsesPlanFromResponse(t *testing.T) {
	mock := ai.NewMockClient().Enqueue(urgentPlanJSON)
	d := newDecomposerFixture(t, mock)

	plan, prompt, err := d.Decompose(context.Background(), "what's urgent?", nil, fullyEnrolledUser())
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)
	assert.Equal(t, StrategyMetadataFilter, plan.Nodes[0].Type)
	assert.NotEmpty(t, prompt)
}

func TestDecomposePromptCarriesVocabularyAndGrammar(t *testing.T) {
	mock := ai.NewMockClient().Enqueue(urgentPlanJSON)
	d := newDecomposerFixture(t, mock)

	_, prompt, err := d.Decompose(context.Background(), "what's urgent?", []HistoryEntry{
		{Role: "user", Content: "earlier question"},
	}, fullyEnrolledUser())
	require.NoError(t, err)

	// The model sees exactly the registered vocabulary and the filter grammar
	for _, want := range []string{
		"metadata_filter", "urgency_detector", "needs_user_input",
		"is:unread", "newer_than:", "isurgent", "sender_type:",
		"earlier question", "what's urgent?",
	} {
		assert.Contains(t, prompt, want)
	}
}

func TestDecomposeCachesValidatedPlans(t *testing.T) {
	mock := ai.NewMockClient().Enqueue(urgentPlanJSON)
	d := newDecomposerFixture(t, mock)
	ctx := context.Background()
	user := fullyEnrolledUser()

	plan, prompt, err := d.Decompose(ctx, "what's urgent?", nil, user)
	require.NoError(t, err)
	d.StorePlan(ctx, prompt, plan)

	again, _, err := d.Decompose(ctx, "what's urgent?", nil, user)
	require.NoError(t, err)
	assert.Equal(t, len(plan.Nodes), len(again.Nodes))
	assert.Equal(t, 1, mock.CallCount(), "second decomposition is served from the plan cache")
}

func TestDecomposeDifferentHistoryMissesCache(t *testing.T) {
	mock := ai.NewMockClient().Enqueue(urgentPlanJSON, urgentPlanJSON)
	d := newDecomposerFixture(t, mock)
	ctx := context.Background()
	user := fullyEnrolledUser()

	plan, prompt, err := d.Decompose(ctx, "what's urgent?", nil, user)
	require.NoError(t, err)
	d.StorePlan(ctx, prompt, plan)

	_, _, err = d.Decompose(ctx, "what's urgent?", []HistoryEntry{
		{Role: "user", Content: "I mean from investors"},
	}, user)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CallCount())
}

func TestDecomposeRejectsNonJSONResponse(t *testing.T) {
	mock := ai.NewMockClient().Enqueue("I cannot plan that, sorry.")
	d := newDecomposerFixture(t, mock)

	_, _, err := d.Decompose(context.Background(), "what's urgent?", nil, fullyEnrolledUser())
	assert.ErrorIs(t, err, core.ErrPlanInvalid)
}

func TestReviseFeedsBackValidationIssues(t *testing.T) {
	rejected := &Plan{Nodes: []PlanNode{{
		ID: "n1", Type: StrategyMetadataFilter,
		Params: map[string]interface{}{"domain": "email", "filters": []interface{}{"isUrgent"}},
	}}}
	verr := &ValidationError{Issues: []string{`node "n1": filter "isUrgent" is forbidden`}}

	mock := ai.NewMockClient().Enqueue(urgentPlanJSON)
	d := newDecomposerFixture(t, mock)

	plan, err := d.Revise(context.Background(), "what's urgent?", nil, fullyEnrolledUser(), rejected, verr)
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)

	prompts := mock.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "was rejected")
	assert.Contains(t, prompts[0], "isUrgent")
	assert.Contains(t, prompts[0], "corrected plan")
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bare object",
			content: `{"nodes":[]}`,
			want:    `{"nodes":[]}`,
		},
		{
			name:    "json fence",
			content: "Here is the plan:\n```json\n{\"nodes\":[]}\n```\nDone.",
			want:    `{"nodes":[]}`,
		},
		{
			name:    "generic fence",
			content: "```\n{\"nodes\":[]}\n```",
			want:    `{"nodes":[]}`,
		},
		{
			name:    "object embedded in prose",
			content: `Sure! {"nodes":[{"id":"n1"}]} hope that helps`,
			want:    `{"nodes":[{"id":"n1"}]}`,
		},
		{
			name:    "braces inside strings do not confuse the scanner",
			content: `{"nodes":[{"id":"n{1}","type":"a\"b"}]}`,
			want:    `{"nodes":[{"id":"n{1}","type":"a\"b"}]}`,
		},
		{
			name:    "no json at all",
			content: "I cannot help with that.",
			want:    "",
		},
		{
			name:    "unbalanced object",
			content: `{"nodes":[`,
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.content))
		})
	}
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	d := newDecomposerFixture(t, ai.NewMockClient())
	user := fullyEnrolledUser()
	history := []HistoryEntry{{Role: "user", Content: "hi"}}

	first := d.buildPrompt("what's urgent?", history, user)
	second := d.buildPrompt("what's urgent?", history, user)
	assert.Equal(t, first, second, "cache keys depend on byte-stable prompts")
}
