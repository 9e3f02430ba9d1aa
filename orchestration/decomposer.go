package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// decomposerSystemPrompt pins the model to the plan contract
const decomposerSystemPrompt = `You decompose questions about a user's email, calendar and contacts into JSON execution plans. You respond with a single JSON object and nothing else. You never invent strategy names, filter operators or node fields that are not in the vocabulary you are given. When the question is ambiguous (for example a first name matching several contacts), you emit a needs_user_input node instead of guessing.`

// Decomposer (L1) turns (query, history, user context) into a typed plan
type Decomposer struct {
	ai        core.AIClient
	registry  *StrategyRegistry
	planCache *PlanCache
	logger    core.Logger
	telemetry core.Telemetry
}

// NewDecomposer creates the planning layer; planCache may be nil
func NewDecomposer(aiClient core.AIClient, registry *StrategyRegistry, planCache *PlanCache) *Decomposer {
	return &Decomposer{
		ai:        aiClient,
		registry:  registry,
		planCache: planCache,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (d *Decomposer) SetLogger(logger core.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (d *Decomposer) SetTelemetry(t core.Telemetry) {
	if t != nil {
		d.telemetry = t
	}
}

// Decompose produces a plan for the query. The returned prompt identifies
// this decomposition for plan caching; the orchestrator stores the plan
// under it only after validation passes.
func (d *Decomposer) Decompose(ctx context.Context, query string, history []HistoryEntry, user *UserContext) (*Plan, string, error) {
	ctx, span := d.telemetry.StartSpan(ctx, "orchestration.decompose")
	defer span.End()

	prompt := d.buildPrompt(query, history, user)

	if d.planCache != nil {
		if plan, ok := d.planCache.Get(ctx, prompt); ok {
			return plan, prompt, nil
		}
	}

	plan, err := d.generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return nil, prompt, err
	}
	return plan, prompt, nil
}

// Revise asks the model to fix a rejected plan, feeding back the validator's
// issues. Called at most once per request.
func (d *Decomposer) Revise(ctx context.Context, query string, history []HistoryEntry, user *UserContext, rejected *Plan, validationErr error) (*Plan, error) {
	ctx, span := d.telemetry.StartSpan(ctx, "orchestration.revise")
	defer span.End()

	var b strings.Builder
	b.WriteString(d.buildPrompt(query, history, user))
	b.WriteString("\n\nYour previous plan was rejected:\n")
	if rejected != nil {
		b.WriteString(resultPlanJSON(rejected) + "\n")
	}
	b.WriteString("Problems:\n")
	if verr, ok := validationErr.(*ValidationError); ok {
		for _, issue := range verr.Issues {
			b.WriteString("- " + issue + "\n")
		}
	} else if validationErr != nil {
		b.WriteString("- " + validationErr.Error() + "\n")
	}
	b.WriteString("\nProduce a corrected plan that fixes every problem.")

	plan, err := d.generate(ctx, b.String())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.logger.Info("Plan revised after validation feedback", map[string]interface{}{
		"operation": "plan_revision",
		"nodes":     len(plan.Nodes),
	})
	return plan, nil
}

// StorePlan caches a validated plan under its decomposition prompt
func (d *Decomposer) StorePlan(ctx context.Context, prompt string, plan *Plan) {
	if d.planCache != nil {
		d.planCache.Set(ctx, prompt, plan)
	}
}

func (d *Decomposer) generate(ctx context.Context, prompt string) (*Plan, error) {
	resp, err := d.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		SystemPrompt: decomposerSystemPrompt,
		Temperature:  0.1,
		MaxTokens:    1500,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	planJSON := extractJSON(resp.Content)
	if planJSON == "" {
		return nil, fmt.Errorf("%w: model response contains no JSON plan", core.ErrPlanInvalid)
	}
	plan, err := ParsePlan([]byte(planJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPlanInvalid, err)
	}
	return plan, nil
}

// buildPrompt assembles the strict vocabulary document plus the request.
// Everything is rendered deterministically so identical requests hash to the
// same plan-cache key.
func (d *Decomposer) buildPrompt(query string, history []HistoryEntry, user *UserContext) string {
	var b strings.Builder

	b.WriteString("## Available strategies\n")
	b.WriteString(d.registry.Vocabulary())

	b.WriteString("\n## Provider filter grammar (metadata_filter only)\n")
	b.WriteString("Allowed operators: " + strings.Join(allowedFilterPrefixes, ", ") + "\n")
	b.WriteString("Forbidden as filters (use detector strategies instead): " +
		strings.Join(forbiddenFilterSynonyms, ", ") + "\n")

	b.WriteString("\n## Plan format\n")
	b.WriteString(`{"nodes":[{"id":"n1","type":"metadata_filter","params":{"domain":"email","filters":["is:unread","newer_than:7d"],"max_results":50}},{"id":"n2","type":"urgency_detector","params":{"input_email_ids":["n1.items"],"threshold":"medium"}}],"best_effort":false}` + "\n")
	b.WriteString("Reference an upstream output as \"<nodeId>.<field>\". Prefer a metadata_filter or keyword_search stage that narrows candidates, followed by detector stages that refine them.\n")

	if user != nil {
		b.WriteString("\n## User\n")
		fmt.Fprintf(&b, "connected providers: %s\n", strings.Join(user.EnrolledProviders, ", "))
		if user.Timezone != "" {
			fmt.Fprintf(&b, "timezone: %s\n", user.Timezone)
		}
		if user.OrgDomain != "" {
			fmt.Fprintf(&b, "organization domain: %s\n", user.OrgDomain)
		}
	}

	if len(history) > 0 {
		b.WriteString("\n## Conversation so far\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Content)
		}
	}

	b.WriteString("\n## Question\n")
	b.WriteString(query + "\n")
	return b.String()
}

func resultPlanJSON(plan *Plan) string {
	data, err := json.Marshal(plan)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// extractJSON pulls the first JSON object out of an LLM response, tolerating
// markdown fences and prose around it
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if idx := strings.Index(content, "```json"); idx >= 0 {
		rest := content[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	start := strings.Index(content, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}
