package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// Urgency thresholds by name. "medium" is the default when a plan omits or
// misspells the threshold.
var urgencyThresholds = map[string]int{
	"low":    25,
	"medium": 50,
	"high":   75,
}

// Lexical urgency cues and their weights. Matching is case-insensitive over
// subject and snippet.
var urgencyCues = []struct {
	cue    string
	weight int
}{
	{"urgent", 25},
	{"asap", 25},
	{"immediately", 20},
	{"time sensitive", 20},
	{"action required", 20},
	{"deadline", 15},
	{"eod", 15},
	{"end of day", 15},
	{"due", 10},
	{"reminder", 5},
}

func urgencyDetectorStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyUrgencyDetector,
			Description: "Score emails 0-100 for urgency from importance flags, lexical cues, sender impact and time pressure.",
			Params: map[string]string{
				"input_email_ids": "reference to an upstream email list",
				"threshold":       "low | medium | high (items below are dropped)",
			},
			Outputs:        []string{"items", "scores"},
			Cost:           CostCheap,
			SideEffectFree: true,
		},
		Run: runUrgencyDetector,
	}
}

func runUrgencyDetector(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
	refs, err := ec.ResolveEmails(node.Params["input_email_ids"])
	if err != nil {
		return nil, err
	}
	threshold, ok := urgencyThresholds[paramString(node.Params, "threshold")]
	if !ok {
		threshold = urgencyThresholds["medium"]
	}

	now := ec.Now()
	var scores []EmailScore
	for _, ref := range refs {
		score := urgencyScore(ref.Email, ec.User, now)
		if score >= threshold {
			scores = append(scores, EmailScore{Email: ref.Email, Score: score})
		}
	}
	scores = RankEmails(scores)

	return &NodeResult{
		Kind:   KindEmailScoreList,
		Scores: scores,
		Counts: map[string]int{"items": len(scores), "input": len(refs)},
	}, nil
}

// urgencyScore is deterministic: same email, same user, same clock, same score
func urgencyScore(email providers.EmailHandle, user *UserContext, now time.Time) int {
	score := 0
	if email.Important {
		score += 30
	}
	if email.Unread {
		score += 10
	}

	text := strings.ToLower(email.Subject + " " + email.Snippet)
	cueScore := 0
	for _, c := range urgencyCues {
		if strings.Contains(text, c.cue) {
			cueScore += c.weight
		}
	}
	if cueScore > 40 {
		cueScore = 40
	}
	score += cueScore

	if user != nil && isVIP(email.From, user.VIPs) {
		score += 20
	}
	score += recencyBoost(email.Timestamp, now)

	if score > 100 {
		score = 100
	}
	return score
}

func isVIP(addr string, vips []string) bool {
	addr = strings.ToLower(addr)
	for _, vip := range vips {
		if strings.ToLower(vip) == addr {
			return true
		}
	}
	return false
}

// Sender types
const (
	SenderInvestor = "investor"
	SenderCustomer = "customer"
	SenderPeer     = "peer"
	SenderBoss     = "boss"
	SenderReport   = "report"
	SenderVendor   = "vendor"
	SenderUnknown  = "unknown"
)

// investorDomainCues mark addresses from investment firms
var investorDomainCues = []string{"capital", "ventures", "vc", "partners", "sequoia", "equity"}

// vendorCues mark transactional senders
var vendorCues = []string{"billing", "invoice", "noreply", "no-reply", "support", "accounts"}

func senderClassifierStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategySenderClassifier,
			Description: "Classify email senders as investor, customer, peer, boss, report, vendor or unknown using contacts, org domain and address patterns.",
			Params: map[string]string{
				"input_email_ids": "reference to an upstream email list",
				"filter_type":     "optional: keep only this sender type",
			},
			Outputs:        []string{"items", "classifications"},
			Providers:      []string{providers.ServiceContacts},
			Cost:           CostCheap,
			SideEffectFree: true,
		},
		Run: runSenderClassifier,
	}
}

func runSenderClassifier(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
	refs, err := ec.ResolveEmails(node.Params["input_email_ids"])
	if err != nil {
		return nil, err
	}
	filterType := paramString(node.Params, "filter_type")

	// Contacts enrich classification but their absence is not fatal: the
	// heuristics still run on address patterns alone.
	var warnings []string
	contactsByEmail := make(map[string]providers.Contact)
	if ec.User.Enrolled(providers.ServiceContacts) {
		contacts, err := ec.Loader.SearchContacts(ctx, ec.UserID, "")
		if err != nil {
			warnings = append(warnings, "contacts lookup failed; classification used address patterns only")
		} else {
			for _, c := range contacts {
				contactsByEmail[strings.ToLower(c.Email)] = c
			}
		}
	}

	// Frequency across the input set feeds the VIP score
	freq := make(map[string]int)
	for _, ref := range refs {
		freq[strings.ToLower(ref.Email.From)]++
	}

	var out []SenderClass
	for _, ref := range refs {
		sender := strings.ToLower(ref.Email.From)
		class := classifySender(sender, contactsByEmail, ec.User)
		if filterType != "" && class != filterType {
			continue
		}
		out = append(out, SenderClass{
			Email:    ref.Email,
			Type:     class,
			VIPScore: vipScore(sender, class, freq[sender], ec.User),
		})
	}

	return &NodeResult{
		Kind:            KindSenderClassList,
		Classifications: out,
		Counts:          map[string]int{"items": len(out), "input": len(refs)},
		Warnings:        warnings,
	}, nil
}

func classifySender(sender string, contacts map[string]providers.Contact, user *UserContext) string {
	// Declared relations in contacts win over any pattern heuristic
	if c, ok := contacts[sender]; ok {
		switch c.Relation {
		case "manager":
			return SenderBoss
		case "report":
			return SenderReport
		case "customer":
			return SenderCustomer
		case "investor":
			return SenderInvestor
		case "vendor":
			return SenderVendor
		}
	}

	domain := ""
	if at := strings.LastIndex(sender, "@"); at >= 0 {
		domain = sender[at+1:]
	}
	local := sender
	if at := strings.Index(sender, "@"); at >= 0 {
		local = sender[:at]
	}

	for _, cue := range vendorCues {
		if strings.Contains(local, cue) {
			return SenderVendor
		}
	}
	for _, cue := range investorDomainCues {
		if strings.Contains(domain, cue) {
			return SenderInvestor
		}
	}
	if user != nil && user.OrgDomain != "" && domain == strings.ToLower(user.OrgDomain) {
		return SenderPeer
	}
	if _, known := contacts[sender]; known {
		return SenderCustomer
	}
	return SenderUnknown
}

func vipScore(sender, class string, frequency int, user *UserContext) int {
	if user != nil && isVIP(sender, user.VIPs) {
		return 100
	}
	score := frequency * 10
	if score > 50 {
		score = 50
	}
	switch class {
	case SenderBoss, SenderInvestor:
		score += 30
	case SenderCustomer:
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Action types
const (
	ActionReply  = "reply"
	ActionReview = "review"
	ActionDecide = "decide"
	ActionNone   = "none"
)

var replyCues = []string{"can you", "could you", "please respond", "please reply", "let me know", "what do you think", "waiting on you", "get back to me", "?"}
var reviewCues = []string{"please review", "take a look", "feedback", "attached", "draft", "pr ", "document"}
var decideCues = []string{"approve", "sign off", "decision", "choose", "go/no-go", "confirm by", "yes or no"}

func actionDetectorStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyActionDetector,
			Description: "Detect whether each message needs a reply, a review or a decision, with confidence.",
			Params: map[string]string{
				"input_email_ids": "reference to an upstream email list",
				"min_confidence":  "drop detections below this confidence (default 0.5)",
			},
			Outputs:        []string{"items", "actions"},
			Cost:           CostCheap,
			SideEffectFree: true,
		},
		Run: runActionDetector,
	}
}

func runActionDetector(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
	refs, err := ec.ResolveEmails(node.Params["input_email_ids"])
	if err != nil {
		return nil, err
	}
	minConfidence := 0.5
	if v, ok := node.Params["min_confidence"].(float64); ok && v > 0 {
		minConfidence = v
	}

	var actions []ActionItem
	for _, ref := range refs {
		actionType, confidence := detectAction(ref.Email)
		if actionType == ActionNone || confidence < minConfidence {
			continue
		}
		actions = append(actions, ActionItem{
			Email:      ref.Email,
			ActionType: actionType,
			Confidence: confidence,
		})
	}

	return &NodeResult{
		Kind:    KindActionList,
		Actions: actions,
		Counts:  map[string]int{"items": len(actions), "input": len(refs)},
	}, nil
}

// detectAction picks the action type with the most cue hits. Decide beats
// review beats reply on ties since it is the more specific ask.
func detectAction(email providers.EmailHandle) (string, float64) {
	text := strings.ToLower(email.Subject + " " + email.Snippet)

	hits := func(cues []string) int {
		n := 0
		for _, cue := range cues {
			if strings.Contains(text, cue) {
				n++
			}
		}
		return n
	}

	decide := hits(decideCues)
	review := hits(reviewCues)
	reply := hits(replyCues)

	confidence := func(n int) float64 {
		c := 0.4 + 0.2*float64(n)
		if email.Unread {
			c += 0.1
		}
		if c > 0.95 {
			c = 0.95
		}
		return c
	}

	switch {
	case decide > 0 && decide >= review && decide >= reply:
		return ActionDecide, confidence(decide)
	case review > 0 && review >= reply:
		return ActionReview, confidence(review)
	case reply > 0:
		return ActionReply, confidence(reply)
	}
	return ActionNone, 0
}

// semanticAnalysisCap bounds how many items reach the LLM
const semanticAnalysisCap = 10

func semanticAnalysisStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategySemanticAnalysis,
			Description: "LLM analysis over a small bounded subset of emails; use only when cheaper strategies cannot answer.",
			Params: map[string]string{
				"input_email_ids": "reference to an upstream email list",
				"question":        "what to determine about the items",
				"top_k":           "number of items to analyze (max 10)",
			},
			Outputs:        []string{"items", "analysis"},
			Providers:      []string{providers.ServiceLLM},
			Cost:           CostLLM,
			// LLM completions routinely outlast provider fetches
			Timeout:        15 * time.Second,
			SideEffectFree: true,
		},
		Run: runSemanticAnalysis,
	}
}

func runSemanticAnalysis(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
	refs, err := ec.ResolveEmails(node.Params["input_email_ids"])
	if err != nil {
		return nil, err
	}
	topK := paramInt(node.Params, "top_k", semanticAnalysisCap)
	if topK > semanticAnalysisCap {
		topK = semanticAnalysisCap
	}
	if len(refs) > topK {
		refs = refs[:topK]
	}

	question := paramString(node.Params, "question")
	if question == "" {
		question = "Summarize what these emails are about and anything that needs attention."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEmails:\n", question)
	emails := make([]providers.EmailHandle, 0, len(refs))
	for i, ref := range refs {
		emails = append(emails, ref.Email)
		fmt.Fprintf(&b, "%d. from=%s subject=%q snippet=%q ts=%s\n",
			i+1, ref.Email.From, ref.Email.Subject, ref.Email.Snippet, ref.Email.Timestamp.Format(time.RFC3339))
	}
	b.WriteString("\nAnswer concisely, grounded only in the emails above.")

	resp, err := ec.AI.GenerateResponse(ctx, b.String(), &core.AIOptions{
		SystemPrompt: "You analyze email metadata. Never invent messages that are not listed.",
		Temperature:  0.1,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, err
	}

	return &NodeResult{
		Kind:     KindAnalysis,
		Emails:   emails,
		Analysis: strings.TrimSpace(resp.Content),
		Counts:   map[string]int{"items": len(emails)},
	}, nil
}

// resultJSON renders a compact result payload for synthesizer prompts
func resultJSON(result *NodeResult) string {
	data, err := json.Marshal(result)
	if err != nil {
		return "{}"
	}
	return string(data)
}
