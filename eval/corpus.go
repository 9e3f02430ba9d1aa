package eval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ezhong0/aiassistant-sub012/ai"
	"github.com/ezhong0/aiassistant-sub012/auth"
	"github.com/ezhong0/aiassistant-sub012/orchestration"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// corpusNow anchors the synthetic mailbox so relative filters are stable
var corpusNow = time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

type fixtureCaller struct {
	transport *providers.FakeTransport
}

func (c *fixtureCaller) Call(ctx context.Context, req providers.CallRequest) (json.RawMessage, error) {
	return c.transport.RoundTrip(ctx, req, auth.TokenRef{})
}

// NewSyntheticPipeline builds a self-contained assistant over a seeded
// in-memory mailbox and a scripted planner. Every component is deterministic,
// so two runs over the same corpus produce identical reports.
func NewSyntheticPipeline() *orchestration.Orchestrator {
	transport := providers.NewFakeTransport()
	transport.Now = func() time.Time { return corpusNow }

	transport.SeedEmails([]providers.EmailHandle{
		{
			ID: "m1", ThreadID: "th1", From: "maria@sequoiacapital.com", FromName: "Maria Ortiz",
			Subject: "Term sheet - urgent decision needed", Snippet: "please confirm by Friday",
			Unread: true, Important: true, Timestamp: corpusNow.Add(-4 * time.Hour),
		},
		{
			ID: "m2", ThreadID: "th2", From: "ceo@initech.com", FromName: "Pat Doyle",
			Subject: "Deadline: board deck review", Snippet: "take a look at the attached draft asap",
			Unread: true, HasAttachment: true, Timestamp: corpusNow.Add(-20 * time.Hour),
		},
		{
			ID: "m3", ThreadID: "th3", From: "sam@initech.com", FromName: "Sam Reyes",
			Subject: "Lunch on Thursday?", Snippet: "can you make noon",
			Unread: true, Timestamp: corpusNow.Add(-30 * time.Hour),
		},
		{
			ID: "m4", ThreadID: "th4", From: "billing@cloudvendor.io",
			Subject: "Invoice #5521", Snippet: "your invoice is attached",
			Unread: false, Timestamp: corpusNow.Add(-4 * 24 * time.Hour),
		},
		{
			ID: "m5", ThreadID: "th5", From: "newsletter@digest.io",
			Subject: "Weekly digest", Snippet: "top stories this week",
			Unread: false, Timestamp: corpusNow.Add(-6 * 24 * time.Hour),
		},
	})
	transport.SeedContacts([]providers.Contact{
		{ID: "c1", Name: "Maria Ortiz", Email: "maria@sequoiacapital.com", Relation: "investor"},
		{ID: "c2", Name: "Pat Doyle", Email: "ceo@initech.com", Relation: "manager"},
		{ID: "c3", Name: "David Kim", Email: "david.kim@initech.com"},
		{ID: "c4", Name: "David Li", Email: "david.li@partnerfund.com"},
	})

	registry := orchestration.NewStrategyRegistry()
	if err := orchestration.RegisterCatalog(registry); err != nil {
		panic(err)
	}

	planner := ai.NewMockClient().
		Respond("What's urgent in my inbox from the last week?",
			`{"nodes":[
				{"id":"n1","type":"metadata_filter","params":{"domain":"email","filters":["is:unread","newer_than:7d"],"max_results":50}},
				{"id":"n2","type":"urgency_detector","params":{"input_email_ids":["n1.items"],"threshold":"medium"}}
			]}`).
		Respond("Any emails from investors",
			`{"nodes":[
				{"id":"n1","type":"metadata_filter","params":{"domain":"email","filters":["newer_than:30d"],"max_results":50}},
				{"id":"n2","type":"sender_classifier","params":{"input_email_ids":["n1.items"],"filter_type":"investor"}}
			]}`).
		Respond("Which emails are waiting on a reply",
			`{"nodes":[
				{"id":"n1","type":"metadata_filter","params":{"domain":"email","filters":["is:unread"],"max_results":50}},
				{"id":"n2","type":"action_detector","params":{"input_email_ids":["n1.items"]}}
			]}`).
		Respond("Did David reply",
			`{"nodes":[
				{"id":"n1","type":"needs_user_input","params":{"reason":"several contacts match \"David\"","candidates":["David Kim","David Li"]}}
			]}`)

	decomposer := orchestration.NewDecomposer(planner, registry,
		orchestration.NewPlanCache(orchestration.NewMemoryCache(), time.Hour))

	users := orchestration.NewUserContextStore(orchestration.NewMemoryCache(), time.Hour,
		func(ctx context.Context, userID string) (*orchestration.UserContext, error) {
			return &orchestration.UserContext{
				UserID:            userID,
				EnrolledProviders: []string{"email", "calendar", "contacts"},
				OrgDomain:         "initech.com",
			}, nil
		})

	return orchestration.NewOrchestrator(
		decomposer,
		orchestration.NewPlanValidator(registry, 0),
		orchestration.NewExecutionCoordinator(registry, nil),
		orchestration.NewSynthesizer(nil),
		users,
		&fixtureCaller{transport: transport},
		planner,
		nil,
	)
}

// Corpus returns the labeled cases matching the synthetic mailbox
func Corpus() []Case {
	return []Case{
		{
			ID:              "urgent-last-week",
			Query:           "What's urgent in my inbox from the last week?",
			ExpectedItems:   []string{"m1", "m2"},
			ExpectedPhrases: []string{"urgent"},
			ForbiddenItems:  []string{"m5"},
		},
		{
			ID:              "investor-mail",
			Query:           "Any emails from investors this month?",
			ExpectedItems:   []string{"m1"},
			ForbiddenItems:  []string{"m4"},
			ExpectedPhrases: []string{"found"},
		},
		{
			ID:              "needs-reply",
			Query:           "Which emails are waiting on a reply from me?",
			ExpectedItems:   []string{"m3"},
			ExpectedPhrases: []string{"waiting on you"},
		},
		{
			ID:                  "ambiguous-contact",
			Query:               "Did David reply to me?",
			ExpectClarification: true,
			ExpectedPhrases:     []string{"David Kim", "David Li"},
		},
	}
}
