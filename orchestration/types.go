// Package orchestration implements the three-layer query pipeline: the
// Decomposer turns a natural-language query into a typed plan DAG, the
// ExecutionCoordinator runs it concurrently against the providers, and the
// Synthesizer renders the typed results into a user-facing answer.
package orchestration

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/ezhong0/aiassistant-sub012/providers"
)

// Plan is the DAG of strategy nodes the Decomposer produces. Edges are
// implicit: any string parameter of the form "<nodeId>.<field>" is a typed
// edge to that node's declared output field.
type Plan struct {
	Nodes      []PlanNode `json:"nodes"`
	BestEffort bool       `json:"best_effort,omitempty"`
	DeadlineMS int        `json:"deadline_ms,omitempty"`
}

// PlanNode is one unit of work in the plan
type PlanNode struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Optional reports whether the node declared optional=true in its params.
// Optional nodes may fail without failing the request; their dependents are
// marked skipped.
func (n PlanNode) Optional() bool {
	v, ok := n.Params["optional"].(bool)
	return ok && v
}

// Edge is one resolved dependency between plan nodes
type Edge struct {
	From  string // upstream node id
	Field string // output field read from the upstream node
	To    string // downstream node id
}

var refPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*)\.([A-Za-z][A-Za-z0-9_]*)$`)

// ParseRef splits a "<nodeId>.<field>" reference; ok is false for plain values
func ParseRef(value string) (nodeID, field string, ok bool) {
	m := refPattern.FindStringSubmatch(value)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Edges extracts every reference-shaped parameter value as an edge. Only
// values whose prefix names a node in the plan count; other dotted strings
// (email addresses, hostnames) are plain values.
func (p *Plan) Edges() []Edge {
	known := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		known[n.ID] = true
	}

	var edges []Edge
	for _, node := range p.Nodes {
		for _, value := range node.Params {
			for _, s := range stringValues(value) {
				if from, field, ok := ParseRef(s); ok && known[from] && from != node.ID {
					edges = append(edges, Edge{From: from, Field: field, To: node.ID})
				}
			}
		}
	}
	return edges
}

func stringValues(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		var out []string
		for _, item := range val {
			out = append(out, stringValues(item)...)
		}
		return out
	}
	return nil
}

// Node returns the plan node with the given id
func (p *Plan) Node(id string) (PlanNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return PlanNode{}, false
}

// NodeState is the per-node execution state machine. Terminal states are
// final: succeeded, failed, cancelled, skipped.
type NodeState string

const (
	StatePending   NodeState = "pending"
	StateRunning   NodeState = "running"
	StateSucceeded NodeState = "succeeded"
	StateFailed    NodeState = "failed"
	StateCancelled NodeState = "cancelled"
	StateSkipped   NodeState = "skipped"
)

// Terminal reports whether the state is final
func (s NodeState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	}
	return false
}

// EmailScore is one scored email from a detector strategy
type EmailScore struct {
	Email providers.EmailHandle `json:"email"`
	Score int                   `json:"score"`
}

// SenderClass is one classified sender
type SenderClass struct {
	Email    providers.EmailHandle `json:"email"`
	Type     string                `json:"type"` // investor|customer|peer|boss|report|vendor|unknown
	VIPScore int                   `json:"vip_score"`
}

// ActionItem is one action requirement detected on a message
type ActionItem struct {
	Email      providers.EmailHandle `json:"email"`
	ActionType string                `json:"action_type"` // reply|review|decide|none
	Confidence float64               `json:"confidence"`
}

// CrossMatch is one joined tuple from cross_reference
type CrossMatch struct {
	Email   providers.EmailHandle  `json:"email"`
	Contact *providers.Contact     `json:"contact,omitempty"`
	Event   *providers.CalendarEvent `json:"event,omitempty"`
	JoinKey string                 `json:"join_key"`
}

// Clarification is the payload of a needs_user_input node
type Clarification struct {
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
}

// NodeResult is the typed output of one executed node. Kind names the output
// schema; only the fields that schema declares are populated.
type NodeResult struct {
	Kind string `json:"kind"`

	Emails          []providers.EmailHandle  `json:"items,omitempty"`
	Scores          []EmailScore             `json:"scores,omitempty"`
	Threads         []providers.Thread       `json:"threads,omitempty"`
	Events          []providers.CalendarEvent `json:"events,omitempty"`
	Contacts        []providers.Contact      `json:"contacts,omitempty"`
	Classifications []SenderClass            `json:"classifications,omitempty"`
	Actions         []ActionItem             `json:"actions,omitempty"`
	Matches         []CrossMatch             `json:"matches,omitempty"`
	Analysis        string                   `json:"analysis,omitempty"`
	Clarification   *Clarification           `json:"clarification,omitempty"`

	Counts    map[string]int `json:"counts,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	TimingMS  int64          `json:"timing_ms"`
}

// Output schema kinds
const (
	KindEmailList       = "email_list"
	KindEmailScoreList  = "email_score_list"
	KindThreadList      = "thread_list"
	KindEventList       = "event_list"
	KindContactList     = "contact_list"
	KindSenderClassList = "sender_classification"
	KindActionList      = "action_list"
	KindCrossRefList    = "cross_reference"
	KindAnalysis        = "analysis"
	KindClarification   = "clarification"
)

// NodeTrace records one node's lifecycle for the execution trace
type NodeTrace struct {
	ID        string    `json:"id"`
	State     NodeState `json:"state"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Attempts  int       `json:"attempts"`
	TimingMS  int64     `json:"timing_ms"`
	Error     string    `json:"error,omitempty"`
}

// ExecutionTrace mirrors the plan 1:1
type ExecutionTrace struct {
	RequestID string      `json:"request_id"`
	Nodes     []NodeTrace `json:"nodes"`
}

// NodeByID returns the trace entry for a node
func (t *ExecutionTrace) NodeByID(id string) (NodeTrace, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeTrace{}, false
}

// UserContext is the immutable per-request view of the user
type UserContext struct {
	UserID            string   `json:"user_id"`
	EnrolledProviders []string `json:"enrolled_providers"` // email, calendar, contacts
	Timezone          string   `json:"timezone,omitempty"`
	Locale            string   `json:"locale,omitempty"`
	Verbosity         string   `json:"verbosity,omitempty"` // short|normal|verbose
	Tone              string   `json:"tone,omitempty"`
	VIPs              []string `json:"vips,omitempty"`
	OrgDomain         string   `json:"org_domain,omitempty"`
}

// Enrolled reports whether the user has the named provider connected
func (u *UserContext) Enrolled(provider string) bool {
	for _, p := range u.EnrolledProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// HistoryEntry is one conversation turn, client-owned
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts,omitempty"`
}

// TruncateHistory bounds history to the most recent maxMessages entries or
// maxTokens tokens, whichever is stricter. Token counts are approximated at
// four bytes per token, matching the decomposer's budget accounting.
func TruncateHistory(history []HistoryEntry, maxMessages, maxTokens int) []HistoryEntry {
	if len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}
	tokens := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		tokens += approxTokens(history[i].Content)
		if tokens > maxTokens {
			break
		}
		start = i
	}
	return history[start:]
}

func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// ReauthRequired mirrors core.NeedsReauthError in the response envelope
type ReauthRequired struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// Citation links an answer fragment back to the node and item it came from
type Citation struct {
	NodeID string `json:"node_id"`
	ItemID string `json:"item_id"`
	Label  string `json:"label,omitempty"`
}

// Envelope is the reply returned to the transport layer
type Envelope struct {
	Answer      string          `json:"answer"`
	Citations   []Citation      `json:"citations,omitempty"`
	FollowUps   []string        `json:"follow_ups,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	NeedsReauth *ReauthRequired `json:"needsReauth,omitempty"`
	ContextOut  []HistoryEntry  `json:"contextOut,omitempty"`
	Trace       *ExecutionTrace `json:"trace,omitempty"`
	Plan        *Plan           `json:"plan,omitempty"`
}

// ParsePlan decodes a wire-form plan. The decomposer and tests share this so
// plan JSON round-trips through the same path.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// paramString reads a string parameter
func paramString(params map[string]interface{}, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

// paramInt reads an integer parameter; JSON numbers arrive as float64
func paramInt(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// paramStrings reads a string-list parameter, accepting a bare string too
func paramStrings(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
