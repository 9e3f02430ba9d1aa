package orchestration

import (
	"fmt"
	"strings"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// allowedFilterPrefixes is the strict provider search grammar. Every filter
// token in a metadata_filter node must start with one of these.
var allowedFilterPrefixes = []string{
	"from:", "to:", "subject:", "has:attachment", "label:",
	"is:unread", "is:read", "is:important", "is:starred",
	"newer_than:", "older_than:",
}

// forbiddenFilterSynonyms must never appear as provider filters; they are
// expressed through detector strategies instead.
var forbiddenFilterSynonyms = []string{
	"isurgent", "isunread", "requires_response", "due_today", "sender_type:",
}

// ValidationError carries every issue found in a plan so the decomposer can
// revise it in one pass
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %s", strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error { return core.ErrPlanInvalid }

// PlanValidator rejects malformed or unsafe plans before execution
type PlanValidator struct {
	registry *StrategyRegistry
	maxNodes int
	logger   core.Logger
}

// NewPlanValidator creates a validator over the strategy registry
func NewPlanValidator(registry *StrategyRegistry, maxNodes int) *PlanValidator {
	if maxNodes <= 0 {
		maxNodes = 12
	}
	return &PlanValidator{
		registry: registry,
		maxNodes: maxNodes,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (v *PlanValidator) SetLogger(logger core.Logger) {
	if logger != nil {
		v.logger = logger
	}
}

// Validate checks the plan against every rule. A plan that fails validation
// never executes; all issues are collected so a single revision can fix them.
func (v *PlanValidator) Validate(plan *Plan, user *UserContext) error {
	var issues []string

	if plan == nil || len(plan.Nodes) == 0 {
		return &ValidationError{Issues: []string{"plan has no nodes"}}
	}
	if len(plan.Nodes) > v.maxNodes {
		issues = append(issues, fmt.Sprintf("plan has %d nodes, maximum is %d", len(plan.Nodes), v.maxNodes))
	}

	seen := make(map[string]bool, len(plan.Nodes))
	for _, node := range plan.Nodes {
		if node.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if seen[node.ID] {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", node.ID))
		}
		seen[node.ID] = true

		if !v.registry.Has(node.Type) {
			issues = append(issues, fmt.Sprintf("node %q uses unknown strategy %q", node.ID, node.Type))
			continue
		}
		issues = append(issues, v.checkNode(node, user)...)
	}

	// References to nodes that do not exist never surface through Edges()
	// (ref extraction only matches known ids), so catch them here
	for _, node := range plan.Nodes {
		for _, value := range paramStrings(node.Params, "input_email_ids") {
			if from, _, ok := ParseRef(value); ok && !seen[from] {
				issues = append(issues, fmt.Sprintf("node %q references unknown node %q", node.ID, from))
			}
		}
	}

	issues = append(issues, v.checkEdges(plan)...)

	if cycle := findCycle(plan); cycle != "" {
		issues = append(issues, "plan has a dependency cycle through "+cycle)
	}

	if len(issues) > 0 {
		v.logger.Debug("Plan rejected", map[string]interface{}{
			"operation": "plan_validation",
			"issues":    issues,
		})
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (v *PlanValidator) checkNode(node PlanNode, user *UserContext) []string {
	var issues []string

	if raw, present := node.Params["max_results"]; present {
		if paramInt(node.Params, "max_results", 0) <= 0 {
			issues = append(issues, fmt.Sprintf("node %q: max_results must be positive, got %v", node.ID, raw))
		}
	}

	if node.Type == StrategyMetadataFilter {
		for _, filter := range paramStrings(node.Params, "filters") {
			issues = append(issues, checkFilter(node.ID, filter)...)
		}
	}

	// input_email_ids must hold references, never literals: a value that does
	// not parse as "<nodeId>.<field>" would silently degrade to an empty input
	for _, value := range paramStrings(node.Params, "input_email_ids") {
		if _, _, ok := ParseRef(value); !ok {
			issues = append(issues, fmt.Sprintf(
				"node %q: input_email_ids value %q is not a <nodeId>.<field> reference", node.ID, value))
		}
	}

	// Enrolled-provider check: a strategy touching a provider the user has
	// not connected is rejected with an actionable reason
	strategy, err := v.registry.Get(node.Type)
	if err != nil {
		return issues
	}
	required := strategy.Spec.Providers
	if node.Type == StrategyMetadataFilter {
		domain := paramString(node.Params, "domain")
		if domain == "" {
			domain = providers.ServiceEmail
		}
		required = []string{domain}
	}
	for _, p := range required {
		if p == providers.ServiceLLM {
			continue
		}
		if user != nil && !user.Enrolled(p) {
			issues = append(issues, fmt.Sprintf("node %q requires the %s provider, which the user has not connected", node.ID, p))
		}
	}
	return issues
}

func checkFilter(nodeID, filter string) []string {
	lowered := strings.ToLower(strings.TrimSpace(filter))

	for _, synonym := range forbiddenFilterSynonyms {
		if strings.HasPrefix(lowered, synonym) {
			return []string{fmt.Sprintf(
				"node %q: filter %q is forbidden; express it with a detector strategy (urgency_detector, action_detector, sender_classifier)",
				nodeID, filter)}
		}
	}

	reject := func() []string {
		return []string{fmt.Sprintf("node %q: filter %q is not in the allowed provider grammar", nodeID, filter)}
	}
	op, arg, found := strings.Cut(lowered, ":")
	if !found || arg == "" {
		return reject()
	}
	switch op {
	case "from", "to", "subject", "label":
		return nil
	case "has":
		if arg == "attachment" {
			return nil
		}
	case "is":
		switch arg {
		case "unread", "read", "important", "starred":
			return nil
		}
	case "newer_than", "older_than":
		if validDaySuffix(arg) {
			return nil
		}
		return []string{fmt.Sprintf("node %q: filter %q must use the form %s:<N>d", nodeID, filter, op)}
	}
	return reject()
}

func validDaySuffix(arg string) bool {
	if !strings.HasSuffix(arg, "d") || len(arg) < 2 {
		return false
	}
	for _, r := range arg[:len(arg)-1] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return arg[0] != '0'
}

func (v *PlanValidator) checkEdges(plan *Plan) []string {
	var issues []string
	nodesByID := make(map[string]PlanNode, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodesByID[n.ID] = n
	}

	for _, edge := range plan.Edges() {
		upstream, ok := nodesByID[edge.From]
		if !ok {
			issues = append(issues, fmt.Sprintf("node %q references unknown node %q", edge.To, edge.From))
			continue
		}
		outputs, _ := v.registry.OutputFields(upstream.Type)
		if !containsString(outputs, edge.Field) {
			issues = append(issues, fmt.Sprintf(
				"node %q reads %q.%q but %s declares outputs %v",
				edge.To, edge.From, edge.Field, upstream.Type, outputs))
		}
	}
	return issues
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// findCycle returns a node id on a dependency cycle, or "" when acyclic
func findCycle(plan *Plan) string {
	deps := make(map[string][]string)
	for _, edge := range plan.Edges() {
		deps[edge.To] = append(deps[edge.To], edge.From)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if hit := visit(dep); hit != "" {
				return hit
			}
		}
		state[id] = done
		return ""
	}

	for _, node := range plan.Nodes {
		if hit := visit(node.ID); hit != "" {
			return hit
		}
	}
	return ""
}
