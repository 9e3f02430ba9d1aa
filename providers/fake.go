package providers

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ezhong0/aiassistant-sub012/auth"
	"github.com/ezhong0/aiassistant-sub012/core"
)

// FakeTransport is an in-memory provider used by tests and the evaluation
// corpus. It implements the same search grammar the real providers document,
// deterministically: identical inputs always produce identical outputs.
type FakeTransport struct {
	mu       sync.RWMutex
	emails   []EmailHandle
	threads  map[string]Thread
	events   []CalendarEvent
	contacts []Contact

	failures map[string]error // service -> injected error
	calls    int64
	callLog  []CallRequest

	// Now anchors relative date filters; fixed in tests for determinism
	Now func() time.Time
}

// NewFakeTransport creates an empty fake provider
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		threads:  make(map[string]Thread),
		failures: make(map[string]error),
		Now:      time.Now,
	}
}

// SeedEmails loads email handles (sorted newest first internally)
func (f *FakeTransport) SeedEmails(emails []EmailHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, emails...)
	sort.SliceStable(f.emails, func(i, j int) bool {
		return f.emails[i].Timestamp.After(f.emails[j].Timestamp)
	})
}

// SeedThreads loads full threads
func (f *FakeTransport) SeedThreads(threads []Thread) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, th := range threads {
		f.threads[th.ID] = th
	}
}

// SeedEvents loads calendar events
func (f *FakeTransport) SeedEvents(events []CalendarEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// SeedContacts loads contacts
func (f *FakeTransport) SeedContacts(contacts []Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, contacts...)
}

// FailWith injects an error for all calls to a service; nil clears it
func (f *FakeTransport) FailWith(service string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, service)
		return
	}
	f.failures[service] = err
}

// Calls returns the number of RoundTrip invocations
func (f *FakeTransport) Calls() int64 {
	return atomic.LoadInt64(&f.calls)
}

// CallLog returns a copy of all requests seen
func (f *FakeTransport) CallLog() []CallRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]CallRequest(nil), f.callLog...)
}

// RoundTrip serves the request from the in-memory fixtures
func (f *FakeTransport) RoundTrip(ctx context.Context, req CallRequest, token auth.TokenRef) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	f.callLog = append(f.callLog, req)
	injected := f.failures[req.Service]
	f.mu.Unlock()
	if injected != nil {
		return nil, injected
	}

	switch req.Service + "." + req.Method {
	case "email.search":
		return f.searchEmails(req)
	case "email.keyword_search":
		return f.keywordSearchEmails(req)
	case "email.threads.get":
		return f.getThreads(req)
	case "calendar.events.search":
		return f.searchEvents(req)
	case "contacts.search":
		return f.searchContacts(req)
	}
	return nil, &core.APIError{
		Kind:    core.KindNotFound,
		Service: req.Service,
		Method:  req.Method,
		Message: "unknown method",
	}
}

func paramStrings(params map[string]interface{}, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
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

func paramInt(params map[string]interface{}, key string, def int) int {
	raw, ok := params[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
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

func paramString(params map[string]interface{}, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

func (f *FakeTransport) searchEmails(req CallRequest) (json.RawMessage, error) {
	filters := paramStrings(req.Params, "filters")
	maxResults := paramInt(req.Params, "max_results", 50)

	f.mu.RLock()
	defer f.mu.RUnlock()

	var items []EmailHandle
	for _, email := range f.emails {
		match, err := f.matchesFilters(email, filters, req)
		if err != nil {
			return nil, err
		}
		if match {
			items = append(items, email)
			if len(items) >= maxResults {
				break
			}
		}
	}
	return marshalItems(items)
}

// matchesFilters evaluates the documented provider search grammar. Unknown
// operators are rejected the way a real provider rejects a malformed query.
func (f *FakeTransport) matchesFilters(email EmailHandle, filters []string, req CallRequest) (bool, error) {
	now := f.Now()
	for _, filter := range filters {
		op, arg, ok := strings.Cut(filter, ":")
		if !ok {
			return false, f.badFilter(req, filter)
		}
		arg = strings.TrimSpace(arg)
		switch op {
		case "from":
			if !matchAddress(email.From, email.FromName, arg) {
				return false, nil
			}
		case "to":
			found := false
			for _, to := range email.To {
				if matchAddress(to, "", arg) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case "subject":
			if !strings.Contains(strings.ToLower(email.Subject), strings.ToLower(arg)) {
				return false, nil
			}
		case "has":
			if arg != "attachment" {
				return false, f.badFilter(req, filter)
			}
			if !email.HasAttachment {
				return false, nil
			}
		case "is":
			switch arg {
			case "unread":
				if !email.Unread {
					return false, nil
				}
			case "read":
				if email.Unread {
					return false, nil
				}
			case "important":
				if !email.Important {
					return false, nil
				}
			case "starred":
				if !email.Starred {
					return false, nil
				}
			default:
				return false, f.badFilter(req, filter)
			}
		case "label":
			found := false
			for _, label := range email.Labels {
				if strings.EqualFold(label, arg) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case "newer_than":
			days, err := parseDayCount(arg)
			if err != nil {
				return false, f.badFilter(req, filter)
			}
			if email.Timestamp.Before(now.AddDate(0, 0, -days)) {
				return false, nil
			}
		case "older_than":
			days, err := parseDayCount(arg)
			if err != nil {
				return false, f.badFilter(req, filter)
			}
			if email.Timestamp.After(now.AddDate(0, 0, -days)) {
				return false, nil
			}
		default:
			return false, f.badFilter(req, filter)
		}
	}
	return true, nil
}

func (f *FakeTransport) badFilter(req CallRequest, filter string) error {
	return &core.APIError{
		Kind:    core.KindInvalidRequest,
		Service: req.Service,
		Method:  req.Method,
		Message: "unsupported filter: " + filter,
	}
}

func matchAddress(addr, name, arg string) bool {
	arg = strings.ToLower(arg)
	return strings.Contains(strings.ToLower(addr), arg) ||
		(name != "" && strings.Contains(strings.ToLower(name), arg))
}

func parseDayCount(arg string) (int, error) {
	trimmed := strings.TrimSuffix(arg, "d")
	days, err := strconv.Atoi(trimmed)
	if err != nil || days <= 0 || trimmed == arg {
		return 0, &strconv.NumError{Func: "ParseDayCount", Num: arg, Err: strconv.ErrSyntax}
	}
	return days, nil
}

func (f *FakeTransport) keywordSearchEmails(req CallRequest) (json.RawMessage, error) {
	q := strings.ToLower(paramString(req.Params, "q"))
	maxResults := paramInt(req.Params, "max_results", 50)

	f.mu.RLock()
	defer f.mu.RUnlock()

	type scored struct {
		email EmailHandle
		score int
	}
	var matches []scored
	for _, email := range f.emails {
		score := 0
		if strings.Contains(strings.ToLower(email.Subject), q) {
			score += 2
		}
		if strings.Contains(strings.ToLower(email.Snippet), q) {
			score++
		}
		if score > 0 {
			matches = append(matches, scored{email, score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].email.Timestamp.After(matches[j].email.Timestamp)
	})

	items := make([]EmailHandle, 0, len(matches))
	for _, m := range matches {
		items = append(items, m.email)
		if len(items) >= maxResults {
			break
		}
	}
	return marshalItems(items)
}

func (f *FakeTransport) getThreads(req CallRequest) (json.RawMessage, error) {
	ids := paramStrings(req.Params, "ids")

	f.mu.RLock()
	defer f.mu.RUnlock()

	items := make([]Thread, 0, len(ids))
	for _, id := range ids {
		if th, ok := f.threads[id]; ok {
			items = append(items, th)
		}
	}
	return marshalItems(items)
}

func (f *FakeTransport) searchEvents(req CallRequest) (json.RawMessage, error) {
	q := strings.ToLower(paramString(req.Params, "q"))
	withinDays := paramInt(req.Params, "within_days", 0)
	now := f.Now()

	f.mu.RLock()
	defer f.mu.RUnlock()

	var items []CalendarEvent
	for _, ev := range f.events {
		if q != "" && !strings.Contains(strings.ToLower(ev.Title), q) {
			continue
		}
		if withinDays > 0 {
			if ev.Start.Before(now.AddDate(0, 0, -withinDays)) || ev.Start.After(now.AddDate(0, 0, withinDays)) {
				continue
			}
		}
		items = append(items, ev)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Start.Before(items[j].Start) })
	return marshalItems(items)
}

func (f *FakeTransport) searchContacts(req CallRequest) (json.RawMessage, error) {
	q := strings.ToLower(paramString(req.Params, "q"))

	f.mu.RLock()
	defer f.mu.RUnlock()

	var items []Contact
	for _, c := range f.contacts {
		if q == "" ||
			strings.Contains(strings.ToLower(c.Name), q) ||
			strings.Contains(strings.ToLower(c.Email), q) {
			items = append(items, c)
		}
	}
	return marshalItems(items)
}

func marshalItems(items interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]interface{}{"items": items})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
