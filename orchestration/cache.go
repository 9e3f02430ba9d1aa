package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// Cache is the best-effort byte cache behind the plan and user-context
// caches. Never required for correctness: errors and misses are equivalent.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached value when present and unexpired
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores a value with a TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes a key
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// RedisCache backs the cache with Redis for multi-instance deployments
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(redisURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// NewRedisCacheWithClient wraps an existing client (tests)
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(key string) string { return c.prefix + key }

// Get returns the cached value when present
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores a value with a TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// Delete removes a key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// PlanCache stores validated plans keyed by a hash of the decomposition
// prompt. Best-effort: a miss or backend error just means a fresh LLM call.
type PlanCache struct {
	cache  Cache
	ttl    time.Duration
	logger core.Logger

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewPlanCache wraps a byte cache with plan serialization
func NewPlanCache(cache Cache, ttl time.Duration) *PlanCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PlanCache{cache: cache, ttl: ttl, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger provider
func (p *PlanCache) SetLogger(logger core.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// HashPrompt derives the cache key from the full decomposition prompt so any
// change in query, history slice or vocabulary misses
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:16])
}

// Get returns a cached plan for the prompt
func (p *PlanCache) Get(ctx context.Context, prompt string) (*Plan, bool) {
	data, ok, err := p.cache.Get(ctx, "plan:"+HashPrompt(prompt))
	if err != nil || !ok {
		p.count(false)
		return nil, false
	}
	plan, err := ParsePlan(data)
	if err != nil {
		p.count(false)
		return nil, false
	}
	p.count(true)
	// Cache hits log at debug so steady-state traffic stays quiet
	p.logger.Debug("Plan cache hit", map[string]interface{}{
		"operation": "plan_cache",
		"key":       HashPrompt(prompt),
	})
	return plan, true
}

// Set stores a validated plan
func (p *PlanCache) Set(ctx context.Context, prompt string, plan *Plan) {
	data, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, "plan:"+HashPrompt(prompt), data, p.ttl); err != nil {
		p.logger.Debug("Plan cache write failed", map[string]interface{}{
			"operation": "plan_cache",
			"error":     err.Error(),
		})
	}
}

// Stats returns hit/miss counters
func (p *PlanCache) Stats() (hits, misses int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}

func (p *PlanCache) count(hit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hit {
		p.hits++
	} else {
		p.misses++
	}
}

// UserContextStore fetches user context cache-aside with a short TTL
type UserContextStore struct {
	cache  Cache
	ttl    time.Duration
	fetch  func(ctx context.Context, userID string) (*UserContext, error)
	logger core.Logger
}

// NewUserContextStore wraps a fetch function with a cache. fetch runs on
// every miss; its result is cached for ttl.
func NewUserContextStore(cache Cache, ttl time.Duration, fetch func(ctx context.Context, userID string) (*UserContext, error)) *UserContextStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &UserContextStore{cache: cache, ttl: ttl, fetch: fetch, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger provider
func (s *UserContextStore) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Get returns the user context, from cache when fresh
func (s *UserContextStore) Get(ctx context.Context, userID string) (*UserContext, error) {
	key := "user_context:" + userID
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var user UserContext
		if json.Unmarshal(data, &user) == nil {
			s.logger.Debug("User context cache hit", map[string]interface{}{
				"operation": "user_context_cache",
				"user_id":   userID,
			})
			return &user, nil
		}
	}

	user, err := s.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(user); err == nil {
		_ = s.cache.Set(ctx, key, data, s.ttl)
	}
	return user, nil
}
