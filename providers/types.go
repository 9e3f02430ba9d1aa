// Package providers is the transport boundary to the external mailbox,
// calendar and contacts services. Every call leaves this package classified
// into the uniform core.APIError taxonomy.
package providers

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Service names the external services. The LLM service is counted here too
// so concurrency caps and breakers treat it uniformly.
const (
	ServiceEmail    = "email"
	ServiceCalendar = "calendar"
	ServiceContacts = "contacts"
	ServiceLLM      = "llm"
)

// EmailHandle is the provider-supplied metadata for one message. Handles are
// what metadata_filter and keyword_search return; bodies require a thread read.
type EmailHandle struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	From          string    `json:"from"`
	FromName      string    `json:"from_name,omitempty"`
	To            []string  `json:"to,omitempty"`
	Subject       string    `json:"subject"`
	Snippet       string    `json:"snippet,omitempty"`
	Labels        []string  `json:"labels,omitempty"`
	Unread        bool      `json:"unread"`
	Important     bool      `json:"important"`
	Starred       bool      `json:"starred"`
	HasAttachment bool      `json:"has_attachment"`
	Timestamp     time.Time `json:"ts"`
}

// EmailMessage is one full message inside a thread
type EmailMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	From      string    `json:"from"`
	To        []string  `json:"to,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"ts"`
}

// Thread is a full conversation
type Thread struct {
	ID       string         `json:"id"`
	Messages []EmailMessage `json:"messages"`
}

// CalendarEvent is one event handle
type CalendarEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees,omitempty"`
	Location  string    `json:"location,omitempty"`
}

// Contact is one contact entry. Relation is the user's declared relationship
// ("manager", "report", "customer", "investor", "vendor") when known.
type Contact struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Company  string   `json:"company,omitempty"`
	Relation string   `json:"relation,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// CallRequest is one logical provider call
type CallRequest struct {
	UserID  string
	Service string
	Method  string
	Params  map[string]interface{}
}

// Key returns the canonical identity of this call: same key, same result
// within a request. Params are serialized with sorted keys so map iteration
// order cannot produce distinct keys for identical calls.
func (r CallRequest) Key() string {
	var b strings.Builder
	b.WriteString(r.UserID)
	b.WriteByte('|')
	b.WriteString(r.Service)
	b.WriteByte('|')
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(CanonicalParams(r.Params))
	return b.String()
}

// CanonicalParams renders a parameter map deterministically. String slices are
// sorted; nested maps are canonicalized recursively.
func CanonicalParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.WriteString(canonicalValue(params[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalValue(v interface{}) string {
	switch val := v.(type) {
	case map[string]interface{}:
		return CanonicalParams(val)
	case []string:
		sorted := append([]string(nil), val...)
		sort.Strings(sorted)
		data, _ := json.Marshal(sorted)
		return string(data)
	case []interface{}:
		// Lists of strings are order-insensitive (ID sets); anything else keeps order
		strs := make([]string, 0, len(val))
		allStrings := true
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				allStrings = false
				break
			}
			strs = append(strs, s)
		}
		if allStrings {
			sort.Strings(strs)
			data, _ := json.Marshal(strs)
			return string(data)
		}
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalValue(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}
