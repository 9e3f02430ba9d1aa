package orchestration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/auth"
	"github.com/ezhong0/aiassistant-sub012/loader"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// transportCaller adapts a FakeTransport to the loader without the
// retry/breaker layers, which have their own tests
type transportCaller struct {
	transport *providers.FakeTransport
}

func (c *transportCaller) Call(ctx context.Context, req providers.CallRequest) (json.RawMessage, error) {
	return c.transport.RoundTrip(ctx, req, auth.TokenRef{})
}

var fixtureNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// newProviderFixture seeds a mailbox that exercises every strategy: unread
// urgent mail, investor and vendor senders, threads, events and contacts
func newProviderFixture(t *testing.T) (*ExecContext, *providers.FakeTransport) {
	t.Helper()

	f := providers.NewFakeTransport()
	f.Now = func() time.Time { return fixtureNow }

	f.SeedEmails([]providers.EmailHandle{
		{
			ID: "e1", ThreadID: "t1", From: "maria@sequoiacapital.com", FromName: "Maria Ortiz",
			Subject: "Term sheet - urgent, need your decision", Snippet: "please confirm by Friday",
			Unread: true, Important: true, Timestamp: fixtureNow.Add(-3 * time.Hour),
		},
		{
			ID: "e2", ThreadID: "t2", From: "ceo@acme.com", FromName: "Pat Doyle",
			Subject: "Board deck feedback", Snippet: "take a look at the attached draft",
			Unread: true, HasAttachment: true, Timestamp: fixtureNow.Add(-26 * time.Hour),
		},
		{
			ID: "e3", ThreadID: "t3", From: "billing@cloudvendor.io",
			Subject: "Invoice #4411 due", Snippet: "your invoice is due",
			Unread: false, Timestamp: fixtureNow.Add(-5 * 24 * time.Hour),
		},
		{
			ID: "e4", ThreadID: "t4", From: "sam@acme.com", FromName: "Sam Reyes",
			Subject: "Standup notes", Snippet: "nothing blocking",
			Unread: true, Timestamp: fixtureNow.Add(-2 * time.Hour),
		},
	})
	f.SeedThreads([]providers.Thread{
		{ID: "t1", Messages: []providers.EmailMessage{
			{ID: "e1", ThreadID: "t1", From: "maria@sequoiacapital.com", Subject: "Term sheet - urgent, need your decision", Body: "Full terms inline.", Timestamp: fixtureNow.Add(-3 * time.Hour)},
		}},
		{ID: "t2", Messages: []providers.EmailMessage{
			{ID: "e2", ThreadID: "t2", From: "ceo@acme.com", Subject: "Board deck feedback", Body: "Deck attached.", Timestamp: fixtureNow.Add(-26 * time.Hour)},
		}},
	})
	f.SeedEvents([]providers.CalendarEvent{
		{ID: "ev1", Title: "Investor sync", Start: fixtureNow.Add(24 * time.Hour), End: fixtureNow.Add(25 * time.Hour), Attendees: []string{"maria@sequoiacapital.com"}},
	})
	f.SeedContacts([]providers.Contact{
		{ID: "c1", Name: "Maria Ortiz", Email: "maria@sequoiacapital.com", Company: "Sequoia", Relation: "investor"},
		{ID: "c2", Name: "Pat Doyle", Email: "ceo@acme.com", Relation: "manager"},
		{ID: "c3", Name: "David Kim", Email: "david.kim@acme.com"},
		{ID: "c4", Name: "David Li", Email: "david.li@partnerfund.com"},
	})

	user := &UserContext{
		UserID:            "u1",
		EnrolledProviders: []string{"email", "calendar", "contacts"},
		OrgDomain:         "acme.com",
		VIPs:              []string{"ceo@acme.com"},
	}
	ec := NewExecContext(user, loader.New(&transportCaller{transport: f}, loader.WithBatchWindow(2*time.Millisecond)), nil)
	ec.Now = func() time.Time { return fixtureNow }
	return ec, f
}

func runStrategy(t *testing.T, ec *ExecContext, typ string, params map[string]interface{}) *NodeResult {
	t.Helper()
	registry := newTestRegistry(t)
	strategy, err := registry.Get(typ)
	require.NoError(t, err)
	result, err := strategy.Run(context.Background(), ec, PlanNode{ID: "test", Type: typ, Params: params})
	require.NoError(t, err)
	return result
}

func seedUpstreamEmails(ec *ExecContext, nodeID string, emails ...providers.EmailHandle) {
	ec.setResult(nodeID, &NodeResult{Kind: KindEmailList, Emails: emails})
}

func TestMetadataFilterEmailDomain(t *testing.T) {
	ec, f := newProviderFixture(t)

	result := runStrategy(t, ec, StrategyMetadataFilter, map[string]interface{}{
		"domain":      "email",
		"filters":     []interface{}{"is:unread", "newer_than:7d"},
		"max_results": 50,
	})

	require.Equal(t, KindEmailList, result.Kind)
	ids := make([]string, len(result.Emails))
	for i, e := range result.Emails {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"e4", "e1", "e2"}, ids, "newest first, read mail excluded")
	assert.Equal(t, 3, result.Counts["items"])
	assert.False(t, result.Truncated)
	assert.EqualValues(t, 1, f.Calls())
}

func TestMetadataFilterTruncation(t *testing.T) {
	ec, _ := newProviderFixture(t)
	result := runStrategy(t, ec, StrategyMetadataFilter, map[string]interface{}{
		"domain":      "email",
		"filters":     []interface{}{"is:unread"},
		"max_results": 2,
	})
	assert.Len(t, result.Emails, 2)
	assert.True(t, result.Truncated)
}

func TestMetadataFilterCalendarDomain(t *testing.T) {
	ec, _ := newProviderFixture(t)
	result := runStrategy(t, ec, StrategyMetadataFilter, map[string]interface{}{
		"domain": "calendar",
		"q":      "investor",
	})
	require.Equal(t, KindEventList, result.Kind)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "Investor sync", result.Events[0].Title)
}

func TestMetadataFilterContactsDomain(t *testing.T) {
	ec, _ := newProviderFixture(t)
	result := runStrategy(t, ec, StrategyMetadataFilter, map[string]interface{}{
		"domain": "contacts",
		"q":      "david",
	})
	require.Equal(t, KindContactList, result.Kind)
	assert.Len(t, result.Contacts, 2)
}

func TestKeywordSearchRanksSubjectAboveSnippet(t *testing.T) {
	ec, _ := newProviderFixture(t)
	result := runStrategy(t, ec, StrategyKeywordSearch, map[string]interface{}{
		"q":           "invoice",
		"max_results": 10,
	})
	require.Equal(t, KindEmailList, result.Kind)
	require.NotEmpty(t, result.Emails)
	assert.Equal(t, "e3", result.Emails[0].ID)
}

func TestBatchThreadReadDedupesAndCaps(t *testing.T) {
	ec, f := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "e1", ThreadID: "t1"},
		providers.EmailHandle{ID: "e1b", ThreadID: "t1"}, // same thread twice
		providers.EmailHandle{ID: "e2", ThreadID: "t2"},
	)

	result := runStrategy(t, ec, StrategyBatchThreadRead, map[string]interface{}{
		"input_email_ids": "n1.items",
	})

	require.Equal(t, KindThreadList, result.Kind)
	require.Len(t, result.Threads, 2)
	assert.EqualValues(t, 1, f.Calls(), "duplicate thread ids collapse into one batched call")
}

func TestBatchThreadReadHonorsMaxThreads(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "e1", ThreadID: "t1"},
		providers.EmailHandle{ID: "e2", ThreadID: "t2"},
	)

	result := runStrategy(t, ec, StrategyBatchThreadRead, map[string]interface{}{
		"input_email_ids": "n1.items",
		"max_threads":     1,
	})
	assert.Len(t, result.Threads, 1)
	assert.True(t, result.Truncated)
}

func TestCrossReferenceJoinsContactsBySender(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "e1", From: "maria@sequoiacapital.com"},
		providers.EmailHandle{ID: "e9", From: "stranger@nowhere.dev"},
	)

	result := runStrategy(t, ec, StrategyCrossReference, map[string]interface{}{
		"input_email_ids": "n1.items",
		"join_with":       "contacts",
	})

	require.Equal(t, KindCrossRefList, result.Kind)
	require.Len(t, result.Matches, 1, "unmatched senders drop out of the join")
	assert.Equal(t, "e1", result.Matches[0].Email.ID)
	require.NotNil(t, result.Matches[0].Contact)
	assert.Equal(t, "Maria Ortiz", result.Matches[0].Contact.Name)
	assert.Equal(t, 2, result.Counts["input"])
}

func TestCrossReferenceJoinsCalendarAttendees(t *testing.T) {
	ec, _ := newProviderFixture(t)
	seedUpstreamEmails(ec, "n1",
		providers.EmailHandle{ID: "e1", From: "maria@sequoiacapital.com"},
	)

	result := runStrategy(t, ec, StrategyCrossReference, map[string]interface{}{
		"input_email_ids": "n1.items",
		"join_with":       "calendar",
	})
	require.Len(t, result.Matches, 1)
	require.NotNil(t, result.Matches[0].Event)
	assert.Equal(t, "Investor sync", result.Matches[0].Event.Title)
}

func TestNeedsUserInputReturnsClarification(t *testing.T) {
	ec, f := newProviderFixture(t)
	result := runStrategy(t, ec, StrategyNeedsUserInput, map[string]interface{}{
		"reason":     "several contacts match \"David\"",
		"candidates": []interface{}{"David Kim", "David Li"},
	})

	require.Equal(t, KindClarification, result.Kind)
	require.NotNil(t, result.Clarification)
	assert.Equal(t, []string{"David Kim", "David Li"}, result.Clarification.Candidates)
	assert.EqualValues(t, 0, f.Calls(), "clarification must not touch providers")
}

func TestRankEmailsOrdering(t *testing.T) {
	older := fixtureNow.Add(-2 * time.Hour)
	newer := fixtureNow.Add(-1 * time.Hour)
	scores := []EmailScore{
		{Email: providers.EmailHandle{ID: "b", Timestamp: newer}, Score: 60},
		{Email: providers.EmailHandle{ID: "a", Timestamp: newer}, Score: 60},
		{Email: providers.EmailHandle{ID: "c", Timestamp: older}, Score: 60},
		{Email: providers.EmailHandle{ID: "d", Timestamp: newer}, Score: 90},
	}

	ranked := RankEmails(scores)
	ids := make([]string, len(ranked))
	for i, s := range ranked {
		ids[i] = s.Email.ID
	}
	// Score desc, then timestamp desc, then id asc
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids)
}

func TestResolveEmailsFollowsScoreAndClassLists(t *testing.T) {
	ec, _ := newProviderFixture(t)
	ec.setResult("scored", &NodeResult{
		Kind:   KindEmailScoreList,
		Scores: []EmailScore{{Email: providers.EmailHandle{ID: "e1"}, Score: 80}},
	})
	ec.setResult("classed", &NodeResult{
		Kind:            KindSenderClassList,
		Classifications: []SenderClass{{Email: providers.EmailHandle{ID: "e2"}, Type: SenderBoss}},
	})

	refs, err := ec.ResolveEmails([]interface{}{"scored.items", "classed.items"})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "e1", refs[0].Email.ID)
	assert.Equal(t, "scored", refs[0].NodeID)
	assert.Equal(t, "e2", refs[1].Email.ID)
}

func TestResolveEmailsErrorsOnMissingUpstream(t *testing.T) {
	ec, _ := newProviderFixture(t)
	_, err := ec.ResolveEmails("ghost.items")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost" has no result`)
}
