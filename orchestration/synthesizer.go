package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// SynthesisInput is everything L3 is allowed to see. The synthesizer never
// re-fetches data.
type SynthesisInput struct {
	Query     string
	Plan      *Plan
	Execution *ExecutionResult
	User      *UserContext
}

// SynthesisOutput is the rendered reply
type SynthesisOutput struct {
	Answer    string
	Citations []Citation
	FollowUps []string
}

// Synthesizer renders typed node results into a user-facing answer. With an
// LLM client it phrases the answer; without one (or on LLM failure) it falls
// back to deterministic templates. Presentation ordering is always applied
// here: score desc, timestamp desc, id asc.
type Synthesizer struct {
	ai        core.AIClient
	logger    core.Logger
	telemetry core.Telemetry
}

// NewSynthesizer creates a synthesizer; aiClient may be nil for pure
// template rendering
func NewSynthesizer(aiClient core.AIClient) *Synthesizer {
	return &Synthesizer{
		ai:        aiClient,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (s *Synthesizer) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (s *Synthesizer) SetTelemetry(t core.Telemetry) {
	if t != nil {
		s.telemetry = t
	}
}

// Synthesize renders the reply. Deterministic for fixed inputs and a
// deterministic LLM.
func (s *Synthesizer) Synthesize(ctx context.Context, input *SynthesisInput) (*SynthesisOutput, error) {
	ctx, span := s.telemetry.StartSpan(ctx, "orchestration.synthesize")
	defer span.End()

	// Ask-back shape: a clarification short-circuits everything else
	if input.Execution.Clarification != nil {
		return s.renderClarification(input.Execution.Clarification), nil
	}

	primaryID, primary := s.primaryResult(input)
	if primary == nil || emptyResult(primary) {
		return s.renderEmptyState(input), nil
	}

	rendered := s.renderPrimary(primaryID, primary, input)

	answer := rendered.Answer
	if s.ai != nil {
		phrased, err := s.phraseWithLLM(ctx, input, rendered.Answer)
		if err != nil {
			s.logger.Warn("LLM synthesis failed, using template answer", map[string]interface{}{
				"operation": "synthesis",
				"error":     err.Error(),
			})
		} else {
			answer = phrased
		}
	}

	return &SynthesisOutput{
		Answer:    answer,
		Citations: rendered.Citations,
		FollowUps: rendered.FollowUps,
	}, nil
}

// primaryResult picks the most downstream succeeded node's output: detectors
// refine retrieval, so the last node in plan order is the answer's spine.
func (s *Synthesizer) primaryResult(input *SynthesisInput) (string, *NodeResult) {
	var id string
	var primary *NodeResult
	for _, node := range input.Plan.Nodes {
		if result, ok := input.Execution.Results[node.ID]; ok && result.Kind != KindClarification {
			id, primary = node.ID, result
		}
	}
	return id, primary
}

func emptyResult(r *NodeResult) bool {
	return len(r.Emails) == 0 && len(r.Scores) == 0 && len(r.Threads) == 0 &&
		len(r.Events) == 0 && len(r.Contacts) == 0 && len(r.Classifications) == 0 &&
		len(r.Actions) == 0 && len(r.Matches) == 0 && r.Analysis == ""
}

func (s *Synthesizer) renderClarification(c *Clarification) *SynthesisOutput {
	var b strings.Builder
	b.WriteString("I need a bit more information before I can answer")
	if c.Reason != "" {
		b.WriteString(": " + c.Reason)
	}
	b.WriteString(".")
	if len(c.Candidates) > 0 {
		b.WriteString(" Did you mean " + orJoin(c.Candidates) + "?")
	}
	return &SynthesisOutput{Answer: b.String()}
}

func (s *Synthesizer) renderEmptyState(input *SynthesisInput) *SynthesisOutput {
	return &SynthesisOutput{
		Answer:    "I didn't find anything matching that. Try widening the time range or loosening the filters.",
		FollowUps: []string{"Search the last 30 days instead", "Include read emails too"},
	}
}

func orJoin(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " or " + items[len(items)-1]
}

// itemLimit maps verbosity to how many items are rendered
func itemLimit(user *UserContext) int {
	if user == nil {
		return 5
	}
	switch user.Verbosity {
	case "short":
		return 3
	case "verbose":
		return 10
	}
	return 5
}

func (s *Synthesizer) renderPrimary(nodeID string, primary *NodeResult, input *SynthesisInput) *SynthesisOutput {
	limit := itemLimit(input.User)
	verbose := input.User != nil && input.User.Verbosity == "verbose"
	out := &SynthesisOutput{}
	var b strings.Builder

	line := func(email providers.EmailHandle, detail string) {
		fmt.Fprintf(&b, "- %s — %s", email.Subject, senderLabel(email))
		if detail != "" {
			b.WriteString(" (" + detail + ")")
		}
		if verbose && email.Snippet != "" {
			b.WriteString(": " + email.Snippet)
		}
		b.WriteString("\n")
		out.Citations = append(out.Citations, Citation{NodeID: nodeID, ItemID: email.ID, Label: email.Subject})
	}

	switch primary.Kind {
	case KindEmailScoreList:
		scores := RankEmails(primary.Scores)
		fmt.Fprintf(&b, "Here are the %d most urgent emails:\n", min(limit, len(scores)))
		for i, score := range scores {
			if i >= limit {
				break
			}
			detail := ""
			if verbose {
				detail = fmt.Sprintf("urgency %d", score.Score)
			}
			line(score.Email, detail)
		}
		out.FollowUps = []string{"Read the top thread in full", "Only show emails from VIPs"}

	case KindActionList:
		actions := rankActions(primary.Actions)
		fmt.Fprintf(&b, "You have %d emails waiting on you:\n", len(actions))
		for i, action := range actions {
			if i >= limit {
				break
			}
			line(action.Email, action.ActionType)
		}
		out.FollowUps = []string{"Draft a reply to the first one", "Show only decisions"}

	case KindSenderClassList:
		classes := rankClassifications(primary.Classifications)
		fmt.Fprintf(&b, "Found %d matching emails:\n", len(classes))
		for i, class := range classes {
			if i >= limit {
				break
			}
			line(class.Email, class.Type)
		}
		out.FollowUps = []string{"Show the most recent thread", "Group by sender"}

	case KindEmailList:
		fmt.Fprintf(&b, "Found %d emails:\n", len(primary.Emails))
		for i, email := range primary.Emails {
			if i >= limit {
				break
			}
			line(email, "")
		}
		out.FollowUps = []string{"Narrow to unread only", "Check which ones need a reply"}

	case KindCrossRefList:
		fmt.Fprintf(&b, "Matched %d emails:\n", len(primary.Matches))
		for i, match := range primary.Matches {
			if i >= limit {
				break
			}
			detail := ""
			if match.Contact != nil {
				detail = match.Contact.Name
			}
			line(match.Email, detail)
		}

	case KindThreadList:
		fmt.Fprintf(&b, "Read %d threads:\n", len(primary.Threads))
		for _, thread := range primary.Threads {
			if len(thread.Messages) == 0 {
				continue
			}
			last := thread.Messages[len(thread.Messages)-1]
			fmt.Fprintf(&b, "- %s (%d messages, last from %s)\n", last.Subject, len(thread.Messages), last.From)
			out.Citations = append(out.Citations, Citation{NodeID: nodeID, ItemID: thread.ID, Label: last.Subject})
		}

	case KindEventList:
		fmt.Fprintf(&b, "Found %d events:\n", len(primary.Events))
		for i, event := range primary.Events {
			if i >= limit {
				break
			}
			fmt.Fprintf(&b, "- %s at %s\n", event.Title, event.Start.Format("Mon Jan 2 15:04"))
			out.Citations = append(out.Citations, Citation{NodeID: nodeID, ItemID: event.ID, Label: event.Title})
		}

	case KindContactList:
		fmt.Fprintf(&b, "Found %d contacts:\n", len(primary.Contacts))
		for i, contact := range primary.Contacts {
			if i >= limit {
				break
			}
			fmt.Fprintf(&b, "- %s <%s>\n", contact.Name, contact.Email)
			out.Citations = append(out.Citations, Citation{NodeID: nodeID, ItemID: contact.ID, Label: contact.Name})
		}

	case KindAnalysis:
		b.WriteString(primary.Analysis)
		b.WriteString("\n")
		for _, email := range primary.Emails {
			out.Citations = append(out.Citations, Citation{NodeID: nodeID, ItemID: email.ID, Label: email.Subject})
		}
	}

	for _, warning := range input.Execution.Warnings {
		fmt.Fprintf(&b, "\nNote: %s", warning)
	}

	out.Answer = strings.TrimRight(b.String(), "\n")
	return out
}

func senderLabel(email providers.EmailHandle) string {
	if email.FromName != "" {
		return email.FromName
	}
	return email.From
}

// rankActions orders by confidence desc, then timestamp desc, then id asc
func rankActions(actions []ActionItem) []ActionItem {
	out := append([]ActionItem(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if !out[i].Email.Timestamp.Equal(out[j].Email.Timestamp) {
			return out[i].Email.Timestamp.After(out[j].Email.Timestamp)
		}
		return out[i].Email.ID < out[j].Email.ID
	})
	return out
}

// rankClassifications orders by VIP score desc, then timestamp desc, then id asc
func rankClassifications(classes []SenderClass) []SenderClass {
	out := append([]SenderClass(nil), classes...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VIPScore != out[j].VIPScore {
			return out[i].VIPScore > out[j].VIPScore
		}
		if !out[i].Email.Timestamp.Equal(out[j].Email.Timestamp) {
			return out[i].Email.Timestamp.After(out[j].Email.Timestamp)
		}
		return out[i].Email.ID < out[j].Email.ID
	})
	return out
}

// phraseWithLLM asks the model to phrase the already-ordered template answer.
// The model may rephrase but the grounding, ordering and item set are fixed
// by the template.
func (s *Synthesizer) phraseWithLLM(ctx context.Context, input *SynthesisInput, template string) (string, error) {
	tone := "neutral"
	if input.User != nil && input.User.Tone != "" {
		tone = input.User.Tone
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User asked: %q\n\nGrounded findings, already ordered:\n%s\n\n", input.Query, template)
	fmt.Fprintf(&b, "Rewrite this as a %s answer. Keep every item, keep the order, do not invent anything.", tone)

	resp, err := s.ai.GenerateResponse(ctx, b.String(), &core.AIOptions{
		SystemPrompt: "You present email findings. Never add items that are not in the findings.",
		Temperature:  0.2,
		MaxTokens:    600,
	})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("empty synthesis response")
	}
	return answer, nil
}
