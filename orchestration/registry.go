package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/loader"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// CostClass buckets strategies by expense for planning hints
type CostClass string

const (
	CostCheap  CostClass = "cheap"
	CostMedium CostClass = "medium"
	CostLLM    CostClass = "llm"
)

// StrategySpec is the static metadata a strategy publishes: its vocabulary
// entry for the decomposer prompt and the contract the validator enforces.
type StrategySpec struct {
	ID          string
	Description string
	// Params documents each accepted parameter for the decomposer prompt
	Params map[string]string
	// Outputs are the fields downstream nodes may reference as "<id>.<field>"
	Outputs []string
	// Providers lists the external services the strategy calls
	Providers []string
	Cost      CostClass
	// Timeout overrides the coordinator's default node timeout when positive.
	// The request deadline still caps it.
	Timeout time.Duration
	// SideEffectFree is true for every cataloged strategy; kept explicit so
	// a future write-capable strategy has to declare itself
	SideEffectFree bool
}

// ExecContext is the per-request arena handed to every strategy: the loader,
// the shared LLM client, the user view and the upstream results. Strategies
// read upstream outputs only through Resolve helpers.
type ExecContext struct {
	UserID string
	User   *UserContext
	Loader *loader.DataLoader
	AI     core.AIClient
	Now    func() time.Time

	mu         sync.RWMutex
	results    map[string]*NodeResult
	nodeErrors map[string]error
}

// NewExecContext creates the request arena
func NewExecContext(user *UserContext, dl *loader.DataLoader, aiClient core.AIClient) *ExecContext {
	return &ExecContext{
		UserID:  user.UserID,
		User:    user,
		Loader:  dl,
		AI:      aiClient,
		Now:     time.Now,
		results: make(map[string]*NodeResult),
	}
}

// Result returns an upstream node's output
func (ec *ExecContext) Result(nodeID string) (*NodeResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[nodeID]
	return r, ok
}

func (ec *ExecContext) setResult(nodeID string, result *NodeResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[nodeID] = result
}

// Results returns a snapshot of all node outputs keyed by node id
func (ec *ExecContext) Results() map[string]*NodeResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]*NodeResult, len(ec.results))
	for k, v := range ec.results {
		out[k] = v
	}
	return out
}

// ResolveEmails follows a parameter that is either a "<node>.<field>"
// reference or a literal list and returns the email handles it denotes.
// Score lists and classification lists resolve to their underlying emails.
func (ec *ExecContext) ResolveEmails(param interface{}) ([]EmailRef, error) {
	var out []EmailRef
	for _, s := range stringValues(param) {
		nodeID, field, ok := ParseRef(s)
		if !ok {
			continue
		}
		result, found := ec.Result(nodeID)
		if !found {
			return nil, fmt.Errorf("upstream node %q has no result", nodeID)
		}
		refs, err := emailsFromField(nodeID, field, result)
		if err != nil {
			return nil, err
		}
		out = append(out, refs...)
	}
	return out, nil
}

// EmailRef ties an email back to the node that produced it, for citations
type EmailRef struct {
	NodeID string
	Email  providers.EmailHandle
}

func emailsFromField(nodeID, field string, result *NodeResult) ([]EmailRef, error) {
	wrap := func(emails []providers.EmailHandle) []EmailRef {
		out := make([]EmailRef, len(emails))
		for i, e := range emails {
			out[i] = EmailRef{NodeID: nodeID, Email: e}
		}
		return out
	}
	switch field {
	case "items":
		switch result.Kind {
		case KindEmailList:
			return wrap(result.Emails), nil
		case KindEmailScoreList:
			emails := make([]providers.EmailHandle, len(result.Scores))
			for i, s := range result.Scores {
				emails[i] = s.Email
			}
			return wrap(emails), nil
		case KindSenderClassList:
			emails := make([]providers.EmailHandle, len(result.Classifications))
			for i, c := range result.Classifications {
				emails[i] = c.Email
			}
			return wrap(emails), nil
		case KindActionList:
			emails := make([]providers.EmailHandle, len(result.Actions))
			for i, a := range result.Actions {
				emails[i] = a.Email
			}
			return wrap(emails), nil
		case KindCrossRefList:
			emails := make([]providers.EmailHandle, len(result.Matches))
			for i, m := range result.Matches {
				emails[i] = m.Email
			}
			return wrap(emails), nil
		}
		return nil, fmt.Errorf("node %q output %q has no email items", nodeID, result.Kind)
	case "scores":
		if result.Kind != KindEmailScoreList {
			return nil, fmt.Errorf("node %q output %q has no scores", nodeID, result.Kind)
		}
		emails := make([]providers.EmailHandle, len(result.Scores))
		for i, s := range result.Scores {
			emails[i] = s.Email
		}
		return wrap(emails), nil
	}
	return nil, fmt.Errorf("node %q has no field %q", nodeID, field)
}

// StrategyFunc executes one plan node against the request arena
type StrategyFunc func(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error)

// Strategy pairs a spec with its implementation
type Strategy struct {
	Spec StrategySpec
	Run  StrategyFunc
}

// StrategyRegistry is the finite vocabulary L1 may compose. Registered at
// process start; immutable afterwards.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewStrategyRegistry creates an empty registry
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: make(map[string]*Strategy)}
}

// Register adds a strategy; duplicate ids are a configuration error
func (r *StrategyRegistry) Register(s *Strategy) error {
	if s == nil || s.Spec.ID == "" || s.Run == nil {
		return fmt.Errorf("%w: strategy requires an id and an implementation", core.ErrInvalidConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Spec.ID]; exists {
		return fmt.Errorf("%w: strategy %q already registered", core.ErrInvalidConfiguration, s.Spec.ID)
	}
	r.strategies[s.Spec.ID] = s
	return nil
}

// Get looks up a strategy by id
func (r *StrategyRegistry) Get(id string) (*Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrStrategyNotFound, id)
	}
	return s, nil
}

// Has reports whether a strategy id is registered
func (r *StrategyRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[id]
	return ok
}

// List returns all specs sorted by id
func (r *StrategyRegistry) List() []StrategySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]StrategySpec, 0, len(r.strategies))
	for _, s := range r.strategies {
		specs = append(specs, s.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// OutputFields returns the declared output fields for a strategy id
func (r *StrategyRegistry) OutputFields(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, false
	}
	return s.Spec.Outputs, true
}

// Vocabulary renders the registry as the strict vocabulary document the
// decomposer embeds in its prompt
func (r *StrategyRegistry) Vocabulary() string {
	var b strings.Builder
	for _, spec := range r.List() {
		fmt.Fprintf(&b, "- %s: %s\n", spec.ID, spec.Description)
		keys := make([]string, 0, len(spec.Params))
		for k := range spec.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    param %s: %s\n", k, spec.Params[k])
		}
		fmt.Fprintf(&b, "    outputs: %s\n", strings.Join(spec.Outputs, ", "))
	}
	return b.String()
}
