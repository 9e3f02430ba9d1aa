package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ezhong0/aiassistant-sub012/providers"
)

// Strategy ids
const (
	StrategyMetadataFilter   = "metadata_filter"
	StrategyKeywordSearch    = "keyword_search"
	StrategyBatchThreadRead  = "batch_thread_read"
	StrategyCrossReference   = "cross_reference"
	StrategyUrgencyDetector  = "urgency_detector"
	StrategySenderClassifier = "sender_classifier"
	StrategyActionDetector   = "action_detector"
	StrategySemanticAnalysis = "semantic_analysis"
	StrategyNeedsUserInput   = "needs_user_input"
)

// RegisterCatalog installs the full strategy catalog into the registry.
// Called once at process start.
func RegisterCatalog(registry *StrategyRegistry) error {
	for _, s := range []*Strategy{
		metadataFilterStrategy(),
		keywordSearchStrategy(),
		batchThreadReadStrategy(),
		crossReferenceStrategy(),
		urgencyDetectorStrategy(),
		senderClassifierStrategy(),
		actionDetectorStrategy(),
		semanticAnalysisStrategy(),
		needsUserInputStrategy(),
	} {
		if err := registry.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func metadataFilterStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyMetadataFilter,
			Description: "Provider-native search over email, calendar or contacts using only whitelisted filter operators.",
			Params: map[string]string{
				"domain":      "email | calendar | contacts (default email)",
				"filters":     "list of provider operators, e.g. [\"is:unread\",\"newer_than:7d\"]",
				"q":           "free-text query for calendar/contacts domains",
				"max_results": "positive integer cap on returned handles",
			},
			Outputs:        []string{"items"},
			Providers:      []string{providers.ServiceEmail, providers.ServiceCalendar, providers.ServiceContacts},
			Cost:           CostCheap,
			SideEffectFree: true,
		},
		Run: runMetadataFilter,
	}
}

func runMetadataFilter(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
	domain := paramString(node.Params, "domain")
	if domain == "" {
		domain = providers.ServiceEmail
	}
	maxResults := paramInt(node.Params, "max_results", 50)

	switch domain {
	case providers.ServiceEmail:
		emails, err := ec.Loader.SearchEmails(ctx, ec.UserID, paramStrings(node.Params, "filters"), maxResults)
		if err != nil {
			return nil, err
		}
		return &NodeResult{
			Kind:      KindEmailList,
			Emails:    emails,
			Counts:    map[string]int{"items": len(emails)},
			Truncated: len(emails) >= maxResults,
		}, nil
	case providers.ServiceCalendar:
		events, err := ec.Loader.SearchEvents(ctx, ec.UserID, paramString(node.Params, "q"), paramInt(node.Params, "within_days", 30))
		if err != nil {
			return nil, err
		}
		if len(events) > maxResults {
			events = events[:maxResults]
		}
		return &NodeResult{
			Kind:   KindEventList,
			Events: events,
			Counts: map[string]int{"items": len(events)},
		}, nil
	case providers.ServiceContacts:
		contacts, err := ec.Loader.SearchContacts(ctx, ec.UserID, paramString(node.Params, "q"))
		if err != nil {
			return nil, err
		}
		if len(contacts) > maxResults {
			contacts = contacts[:maxResults]
		}
		return &NodeResult{
			Kind:     KindContactList,
			Contacts: contacts,
			Counts:   map[string]int{"items": len(contacts)},
		}, nil
	}
	return nil, fmt.Errorf("unknown domain %q", domain)
}

func keywordSearchStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyKeywordSearch,
			Description: "Free-text ranked search over email subjects and snippets.",
			Params: map[string]string{
				"q":           "search phrase",
				"max_results": "positive integer cap on returned handles",
			},
			Outputs:        []string{"items"},
			Providers:      []string{providers.ServiceEmail},
			Cost:           CostCheap,
			SideEffectFree: true,
		},
		Run: func(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
			maxResults := paramInt(node.Params, "max_results", 50)
			emails, err := ec.Loader.KeywordSearch(ctx, ec.UserID, paramString(node.Params, "q"), maxResults)
			if err != nil {
				return nil, err
			}
			return &NodeResult{
				Kind:      KindEmailList,
				Emails:    emails,
				Counts:    map[string]int{"items": len(emails)},
				Truncated: len(emails) >= maxResults,
			}, nil
		},
	}
}

func batchThreadReadStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyBatchThreadRead,
			Description: "Fetch full message bodies for email handles via batched thread reads.",
			Params: map[string]string{
				"input_email_ids": "reference to an upstream email list, e.g. \"n1.items\"",
				"max_threads":     "cap on distinct threads read (default 20)",
			},
			Outputs:        []string{"threads"},
			Providers:      []string{providers.ServiceEmail},
			Cost:           CostMedium,
			SideEffectFree: true,
		},
		Run: func(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
			refs, err := ec.ResolveEmails(node.Params["input_email_ids"])
			if err != nil {
				return nil, err
			}
			maxThreads := paramInt(node.Params, "max_threads", 20)

			seen := make(map[string]bool)
			var ids []string
			for _, ref := range refs {
				id := ref.Email.ThreadID
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
				if len(ids) >= maxThreads {
					break
				}
			}

			threads, err := ec.Loader.LoadThreads(ctx, ec.UserID, ids)
			if err != nil {
				return nil, err
			}
			return &NodeResult{
				Kind:      KindThreadList,
				Threads:   threads,
				Counts:    map[string]int{"threads": len(threads)},
				Truncated: len(refs) > len(ids),
			}, nil
		},
	}
}

func crossReferenceStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyCrossReference,
			Description: "Join an email list against contacts or calendar attendees by sender address.",
			Params: map[string]string{
				"input_email_ids": "reference to an upstream email list",
				"join_with":       "contacts | calendar (default contacts)",
				"q":               "optional query narrowing the joined side",
			},
			Outputs:        []string{"items", "matches"},
			Providers:      []string{providers.ServiceContacts, providers.ServiceCalendar},
			Cost:           CostMedium,
			SideEffectFree: true,
		},
		Run: runCrossReference,
	}
}

func runCrossReference(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
	refs, err := ec.ResolveEmails(node.Params["input_email_ids"])
	if err != nil {
		return nil, err
	}
	joinWith := paramString(node.Params, "join_with")
	if joinWith == "" {
		joinWith = providers.ServiceContacts
	}

	var matches []CrossMatch
	switch joinWith {
	case providers.ServiceContacts:
		contacts, err := ec.Loader.SearchContacts(ctx, ec.UserID, paramString(node.Params, "q"))
		if err != nil {
			return nil, err
		}
		byEmail := make(map[string]providers.Contact, len(contacts))
		for _, c := range contacts {
			byEmail[strings.ToLower(c.Email)] = c
		}
		for _, ref := range refs {
			if c, ok := byEmail[strings.ToLower(ref.Email.From)]; ok {
				contact := c
				matches = append(matches, CrossMatch{Email: ref.Email, Contact: &contact, JoinKey: contact.Email})
			}
		}
	case providers.ServiceCalendar:
		events, err := ec.Loader.SearchEvents(ctx, ec.UserID, paramString(node.Params, "q"), paramInt(node.Params, "within_days", 30))
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			sender := strings.ToLower(ref.Email.From)
			for i := range events {
				for _, attendee := range events[i].Attendees {
					if strings.ToLower(attendee) == sender {
						event := events[i]
						matches = append(matches, CrossMatch{Email: ref.Email, Event: &event, JoinKey: sender})
					}
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown join_with %q", joinWith)
	}

	return &NodeResult{
		Kind:    KindCrossRefList,
		Matches: matches,
		Counts:  map[string]int{"matches": len(matches), "input": len(refs)},
	}, nil
}

func needsUserInputStrategy() *Strategy {
	return &Strategy{
		Spec: StrategySpec{
			ID:          StrategyNeedsUserInput,
			Description: "Short-circuit execution with a clarification question instead of guessing.",
			Params: map[string]string{
				"reason":     "why clarification is needed",
				"candidates": "optional list of options to present",
			},
			Outputs:        []string{"clarification"},
			Cost:           CostCheap,
			SideEffectFree: true,
		},
		Run: func(ctx context.Context, ec *ExecContext, node PlanNode) (*NodeResult, error) {
			return &NodeResult{
				Kind: KindClarification,
				Clarification: &Clarification{
					Reason:     paramString(node.Params, "reason"),
					Candidates: paramStrings(node.Params, "candidates"),
				},
			}, nil
		},
	}
}

// RankEmails applies the presentation ordering contract: score desc, then
// timestamp desc, then id asc. The sort is stable so equal keys keep their
// upstream order.
func RankEmails(scores []EmailScore) []EmailScore {
	out := append([]EmailScore(nil), scores...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Email.Timestamp.Equal(out[j].Email.Timestamp) {
			return out[i].Email.Timestamp.After(out[j].Email.Timestamp)
		}
		return out[i].Email.ID < out[j].Email.ID
	})
	return out
}

// recencyBoost maps message age to an urgency contribution
func recencyBoost(ts time.Time, now time.Time) int {
	age := now.Sub(ts)
	switch {
	case age <= 24*time.Hour:
		return 15
	case age <= 72*time.Hour:
		return 5
	}
	return 0
}
