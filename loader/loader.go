// Package loader provides per-request coalescing and batching on top of the
// provider client. A DataLoader lives for exactly one orchestration request;
// nothing in it is shared across requests, so strategies may call it freely
// from concurrent plan nodes.
package loader

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// Caller performs one logical provider call. Satisfied by providers.APIClient.
type Caller interface {
	Call(ctx context.Context, req providers.CallRequest) (json.RawMessage, error)
}

// Stats counts loader activity for the execution trace
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Batches   int64 `json:"batches"`
}

// DataLoader deduplicates identical provider calls within one request and
// batches thread reads. Two calls with the same canonical key issue exactly
// one underlying provider call; later identical calls are served from the
// request-local cache.
type DataLoader struct {
	caller Caller

	mu     sync.Mutex
	cache  map[string]json.RawMessage
	group  singleflight.Group
	stats  Stats
	thread *threadBatcher

	logger core.Logger
}

// Option configures a DataLoader
type Option func(*DataLoader)

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(l *DataLoader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithBatchWindow sets how long a thread batch waits for more IDs before
// flushing (default 10ms)
func WithBatchWindow(d time.Duration) Option {
	return func(l *DataLoader) { l.thread.window = d }
}

// WithMaxBatchSize caps the number of thread IDs per provider call (default 20)
func WithMaxBatchSize(n int) Option {
	return func(l *DataLoader) {
		if n > 0 {
			l.thread.maxSize = n
		}
	}
}

// New creates a loader for a single request
func New(caller Caller, opts ...Option) *DataLoader {
	l := &DataLoader{
		caller: caller,
		cache:  make(map[string]json.RawMessage),
		logger: &core.NoOpLogger{},
	}
	l.thread = &threadBatcher{
		loader:  l,
		window:  10 * time.Millisecond,
		maxSize: 20,
		byID:    make(map[string]providers.Thread),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stats returns a snapshot of the loader counters
func (l *DataLoader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Load performs a provider call, deduplicating on the request's canonical
// key. Concurrent identical calls share one in-flight call; completed calls
// are cached for the lifetime of the loader.
func (l *DataLoader) Load(ctx context.Context, req providers.CallRequest) (json.RawMessage, error) {
	key := req.Key()

	l.mu.Lock()
	if cached, ok := l.cache[key]; ok {
		l.stats.Hits++
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	res, err, shared := l.group.Do(key, func() (interface{}, error) {
		raw, err := l.caller.Call(ctx, req)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[key] = raw
		l.stats.Misses++
		l.mu.Unlock()
		return raw, nil
	})
	if shared {
		l.mu.Lock()
		l.stats.Coalesced++
		l.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}

// SearchEmails runs a provider filter search and decodes the handles
func (l *DataLoader) SearchEmails(ctx context.Context, userID string, filters []string, maxResults int) ([]providers.EmailHandle, error) {
	raw, err := l.Load(ctx, providers.CallRequest{
		UserID:  userID,
		Service: providers.ServiceEmail,
		Method:  "search",
		Params: map[string]interface{}{
			"filters":     filters,
			"max_results": maxResults,
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeItems[providers.EmailHandle](raw)
}

// KeywordSearch runs a free-text email search and decodes the handles
func (l *DataLoader) KeywordSearch(ctx context.Context, userID, query string, maxResults int) ([]providers.EmailHandle, error) {
	raw, err := l.Load(ctx, providers.CallRequest{
		UserID:  userID,
		Service: providers.ServiceEmail,
		Method:  "keyword_search",
		Params: map[string]interface{}{
			"q":           query,
			"max_results": maxResults,
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeItems[providers.EmailHandle](raw)
}

// SearchEvents searches calendar events
func (l *DataLoader) SearchEvents(ctx context.Context, userID, query string, withinDays int) ([]providers.CalendarEvent, error) {
	raw, err := l.Load(ctx, providers.CallRequest{
		UserID:  userID,
		Service: providers.ServiceCalendar,
		Method:  "events.search",
		Params: map[string]interface{}{
			"q":           query,
			"within_days": withinDays,
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeItems[providers.CalendarEvent](raw)
}

// SearchContacts searches the user's contacts
func (l *DataLoader) SearchContacts(ctx context.Context, userID, query string) ([]providers.Contact, error) {
	raw, err := l.Load(ctx, providers.CallRequest{
		UserID:  userID,
		Service: providers.ServiceContacts,
		Method:  "search",
		Params:  map[string]interface{}{"q": query},
	})
	if err != nil {
		return nil, err
	}
	return decodeItems[providers.Contact](raw)
}

// LoadThreads fetches full threads by ID through the batcher. Concurrent
// callers within the batch window share one provider call carrying the union
// of their ID sets; already-fetched threads are served from the per-ID cache.
// Missing threads are silently omitted, matching provider behavior.
func (l *DataLoader) LoadThreads(ctx context.Context, userID string, ids []string) ([]providers.Thread, error) {
	return l.thread.load(ctx, userID, ids)
}

func decodeItems[T any](raw json.RawMessage) ([]T, error) {
	var out struct {
		Items []T `json:"items"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// threadBatch accumulates IDs until flushed; waiters block on done
type threadBatch struct {
	// ctx is the creating caller's context; the flush call runs under it so
	// the batch still honors the request deadline
	ctx     context.Context
	userID  string
	ids     map[string]struct{}
	done    chan struct{}
	err     error
	flushed bool
	timer   *time.Timer
}

// threadBatcher merges concurrent thread reads into batched provider calls
type threadBatcher struct {
	loader  *DataLoader
	window  time.Duration
	maxSize int

	mu      sync.Mutex
	current map[string]*threadBatch // keyed by user
	byID    map[string]providers.Thread
	known   map[string]bool // id -> fetched (absent threads recorded false)
}

func (b *threadBatcher) load(ctx context.Context, userID string, ids []string) ([]providers.Thread, error) {
	b.mu.Lock()
	if b.current == nil {
		b.current = make(map[string]*threadBatch)
	}
	if b.known == nil {
		b.known = make(map[string]bool)
	}

	var missing []string
	for _, id := range ids {
		if _, seen := b.known[id]; !seen {
			missing = append(missing, id)
		}
	}

	var waitOn []*threadBatch
	for len(missing) > 0 {
		batch := b.current[userID]
		if batch == nil || batch.flushed {
			batch = &threadBatch{
				ctx:    ctx,
				userID: userID,
				ids:    make(map[string]struct{}),
				done:   make(chan struct{}),
			}
			b.current[userID] = batch
			batch.timer = time.AfterFunc(b.window, func() { b.flush(batch) })
		}
		room := b.maxSize - len(batch.ids)
		take := missing
		if len(take) > room {
			take = missing[:room]
		}
		for _, id := range take {
			batch.ids[id] = struct{}{}
		}
		missing = missing[len(take):]
		waitOn = append(waitOn, batch)
		if len(batch.ids) >= b.maxSize {
			// Detach the full batch before flushing; flush blocks on the mutex
			// held here, so the next iteration must start a fresh batch instead
			// of re-reading this one.
			delete(b.current, userID)
			go b.flush(batch)
		}
	}
	b.mu.Unlock()

	for _, batch := range waitOn {
		select {
		case <-batch.done:
			if batch.err != nil {
				return nil, batch.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]providers.Thread, 0, len(ids))
	for _, id := range ids {
		if th, ok := b.byID[id]; ok {
			out = append(out, th)
		}
	}
	return out, nil
}

// flush issues the batched provider call; idempotent per batch
func (b *threadBatcher) flush(batch *threadBatch) {
	b.mu.Lock()
	if batch.flushed {
		b.mu.Unlock()
		return
	}
	batch.flushed = true
	if batch.timer != nil {
		batch.timer.Stop()
	}
	if b.current[batch.userID] == batch {
		delete(b.current, batch.userID)
	}
	ids := make([]string, 0, len(batch.ids))
	for id := range batch.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b.loader.mu.Lock()
	b.loader.stats.Batches++
	b.loader.mu.Unlock()
	b.mu.Unlock()

	raw, err := b.loader.caller.Call(batch.ctx, providers.CallRequest{
		UserID:  batch.userID,
		Service: providers.ServiceEmail,
		Method:  "threads.get",
		Params:  map[string]interface{}{"ids": ids},
	})

	b.mu.Lock()
	if err != nil {
		batch.err = err
	} else {
		threads, decodeErr := decodeItems[providers.Thread](raw)
		if decodeErr != nil {
			batch.err = decodeErr
		} else {
			for _, th := range threads {
				b.byID[th.ID] = th
				b.known[th.ID] = true
			}
			for _, id := range ids {
				if _, ok := b.byID[id]; !ok {
					b.known[id] = false
				}
			}
		}
	}
	b.mu.Unlock()
	close(batch.done)
}
