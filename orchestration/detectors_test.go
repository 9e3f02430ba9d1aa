package orchestration

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/ai"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

func TestUrgencyScoreComponents(t *testing.T) {
	user := &UserContext{VIPs: []string{"ceo@acme.com"}}

	tests := []struct {
		name  string
		email providers.EmailHandle
		want  int
	}{
		{
			name:  "plain old email scores zero",
			email: providers.EmailHandle{Subject: "hello", Timestamp: fixtureNow.Add(-10 * 24 * time.Hour)},
			want:  0,
		},
		{
			name:  "important unread recent",
			email: providers.EmailHandle{Important: true, Unread: true, Subject: "notes", Timestamp: fixtureNow.Add(-time.Hour)},
			want:  30 + 10 + 15,
		},
		{
			name:  "lexical cues capped at 40",
			email: providers.EmailHandle{Subject: "urgent asap deadline action required", Snippet: "due immediately", Timestamp: fixtureNow.Add(-10 * 24 * time.Hour)},
			want:  40,
		},
		{
			name:  "vip sender",
			email: providers.EmailHandle{From: "CEO@acme.com", Subject: "hi", Timestamp: fixtureNow.Add(-10 * 24 * time.Hour)},
			want:  20,
		},
		{
			name:  "three day old message gets small recency boost",
			email: providers.EmailHandle{Subject: "hi", Timestamp: fixtureNow.Add(-60 * time.Hour)},
			want:  5,
		},
		{
			name: "score clamps at 100",
			email: providers.EmailHandle{
				From: "ceo@acme.com", Important: true, Unread: true,
				Subject: "urgent asap deadline", Snippet: "action required immediately",
				Timestamp: fixtureNow.Add(-time.Hour),
			},
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, urgencyScore(tt.email, user, fixtureNow))
		})
	}
}

func TestUrgencyDetectorFiltersAndRanks(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "calm", Subject: "newsletter", Timestamp: fixtureNow.Add(-10 * 24 * time.Hour)},
		providers.EmailHandle{ID: "hot", Subject: "urgent decision needed asap", Important: true, Unread: true, Timestamp: fixtureNow.Add(-time.Hour)},
		providers.EmailHandle{ID: "warm", Subject: "deadline reminder", Unread: true, Timestamp: fixtureNow.Add(-2 * time.Hour)},
	)

	result := runStrategy(t, ec, StrategyUrgencyDetector, map[string]interface{}{
		"input_email_ids": "n1.items",
		"threshold":       "medium",
	})

	require.Equal(t, KindEmailScoreList, result.Kind)
	require.Len(t, result.Scores, 1, "only items at or above the threshold survive")
	assert.Equal(t, "hot", result.Scores[0].Email.ID)
	assert.GreaterOrEqual(t, result.Scores[0].Score, 50)
	assert.Equal(t, 3, result.Counts["input"])
}

func TestUrgencyDetectorLowThresholdKeepsMore(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "hot", Subject: "urgent asap", Important: true, Unread: true, Timestamp: fixtureNow.Add(-time.Hour)},
		providers.EmailHandle{ID: "warm", Subject: "deadline reminder", Unread: true, Timestamp: fixtureNow.Add(-2 * time.Hour)},
	)

	result := runStrategy(t, ec, StrategyUrgencyDetector, map[string]interface{}{
		"input_email_ids": "n1.items",
		"threshold":       "low",
	})
	require.Len(t, result.Scores, 2)
	assert.Equal(t, "hot", result.Scores[0].Email.ID, "ranked by score descending")
}

func TestClassifySenderPrecedence(t *testing.T) {
	contacts := map[string]providers.Contact{
		"boss@acme.com":  {Email: "boss@acme.com", Relation: "manager"},
		"known@othr.com": {Email: "known@othr.com"},
		// Declared relation beats the investor domain pattern
		"vip@bigventures.com": {Email: "vip@bigventures.com", Relation: "customer"},
	}
	user := &UserContext{OrgDomain: "acme.com"}

	tests := []struct {
		sender string
		want   string
	}{
		{"boss@acme.com", SenderBoss},
		{"vip@bigventures.com", SenderCustomer},
		{"anyone@sequoiacapital.com", SenderInvestor},
		{"fund@bigventures.com", SenderInvestor},
		{"billing@saas.io", SenderVendor},
		{"noreply@updates.dev", SenderVendor},
		{"peer@acme.com", SenderPeer},
		{"known@othr.com", SenderCustomer},
		{"stranger@nowhere.dev", SenderUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifySender(tt.sender, contacts, user), tt.sender)
	}
}

func TestSenderClassifierFiltersByType(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "e1", From: "maria@sequoiacapital.com", Timestamp: fixtureNow.Add(-time.Hour)},
		providers.EmailHandle{ID: "e3", From: "billing@cloudvendor.io", Timestamp: fixtureNow.Add(-2 * time.Hour)},
		providers.EmailHandle{ID: "e4", From: "sam@acme.com", Timestamp: fixtureNow.Add(-3 * time.Hour)},
	)

	result := runStrategy(t, ec, StrategySenderClassifier, map[string]interface{}{
		"input_email_ids": "n1.items",
		"filter_type":     SenderInvestor,
	})

	require.Equal(t, KindSenderClassList, result.Kind)
	require.Len(t, result.Classifications, 1)
	assert.Equal(t, "e1", result.Classifications[0].Email.ID)
	assert.Equal(t, SenderInvestor, result.Classifications[0].Type)
	assert.Equal(t, 3, result.Counts["input"])
}

func TestSenderClassifierSurvivesContactsOutage(t *testing.T) {
	ec, f := newProviderFixture(t)
	f.FailWith(providers.ServiceContacts, errors.New("contacts provider down"))
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "e1", From: "billing@cloudvendor.io", Timestamp: fixtureNow},
	)

	result := runStrategy(t, ec, StrategySenderClassifier, map[string]interface{}{
		"input_email_ids": "n1.items",
	})

	require.Len(t, result.Classifications, 1)
	assert.Equal(t, SenderVendor, result.Classifications[0].Type, "address heuristics still apply")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "contacts lookup failed")
}

func TestVIPScore(t *testing.T) {
	user := &UserContext{VIPs: []string{"ceo@acme.com"}}

	assert.Equal(t, 100, vipScore("ceo@acme.com", SenderPeer, 1, user), "explicit VIP list wins")
	assert.Equal(t, 10+30, vipScore("boss@acme.com", SenderBoss, 1, user))
	assert.Equal(t, 50+30, vipScore("fund@vc.com", SenderInvestor, 9, user), "frequency contribution caps at 50")
	assert.Equal(t, 20+15, vipScore("client@corp.com", SenderCustomer, 2, user))
	assert.Equal(t, 10, vipScore("someone@else.com", SenderUnknown, 1, user))
}

func TestDetectActionPrecedenceAndConfidence(t *testing.T) {
	tests := []struct {
		name    string
		email   providers.EmailHandle
		want    string
		minConf float64
	}{
		{
			name:  "question mark asks for a reply",
			email: providers.EmailHandle{Subject: "Lunch?", Snippet: "can you make noon"},
			want:  ActionReply,
		},
		{
			name:  "review cue",
			email: providers.EmailHandle{Subject: "Design doc", Snippet: "please review the attached draft"},
			want:  ActionReview,
		},
		{
			name:  "decide beats review on ties",
			email: providers.EmailHandle{Subject: "Vendor contract", Snippet: "please review and approve"},
			want:  ActionDecide,
		},
		{
			name:  "no cues means none",
			email: providers.EmailHandle{Subject: "FYI", Snippet: "weekly digest"},
			want:  ActionNone,
		},
		{
			name:    "unread bumps confidence",
			email:   providers.EmailHandle{Subject: "Budget sign off", Snippet: "approve the numbers", Unread: true},
			want:    ActionDecide,
			minConf: 0.7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, confidence := detectAction(tt.email)
			assert.Equal(t, tt.want, action)
			if tt.want == ActionNone {
				assert.Zero(t, confidence)
			} else {
				assert.GreaterOrEqual(t, confidence, 0.4)
				assert.LessOrEqual(t, confidence, 0.95)
			}
			if tt.minConf > 0 {
				assert.GreaterOrEqual(t, confidence, tt.minConf)
			}
		})
	}
}

func TestActionDetectorMinConfidence(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "ask", Subject: "Can you send the report?", Snippet: "let me know", Unread: true, Timestamp: fixtureNow},
		providers.EmailHandle{ID: "digest", Subject: "Weekly digest", Snippet: "no action", Timestamp: fixtureNow},
	)

	result := runStrategy(t, ec, StrategyActionDetector, map[string]interface{}{
		"input_email_ids": "n1.items",
	})

	require.Equal(t, KindActionList, result.Kind)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "ask", result.Actions[0].Email.ID)
	assert.Equal(t, ActionReply, result.Actions[0].ActionType)

	// A stricter floor drops it
	strict := runStrategy(t, ec, StrategyActionDetector, map[string]interface{}{
		"input_email_ids": "n1.items",
		"min_confidence":  0.99,
	})
	assert.Empty(t, strict.Actions)
}

func TestSemanticAnalysisBoundsInputAndGrounds(t *testing.T) {
	ec, _ := newProviderFixture(t)
	mock := ai.NewMockClient().Respond("Question:", "Three investor emails need decisions this week.")
	ec.AI = mock

	var many []providers.EmailHandle
	for i := 0; i < 25; i++ {
		many = append(many, providers.EmailHandle{
			ID: string(rune('a' + i)), From: "x@y.com", Subject: "msg", Timestamp: fixtureNow,
		})
	}
	seedUpstreamEmails(ec, "n1", many...)

	result := runStrategy(t, ec, StrategySemanticAnalysis, map[string]interface{}{
		"input_email_ids": "n1.items",
		"question":        "what needs attention?",
	})

	require.Equal(t, KindAnalysis, result.Kind)
	assert.Equal(t, "Three investor emails need decisions this week.", result.Analysis)
	assert.Len(t, result.Emails, semanticAnalysisCap, "LLM input is hard-capped")
	require.Equal(t, 1, mock.CallCount())
	assert.Contains(t, mock.Prompts()[0], "what needs attention?")
}
