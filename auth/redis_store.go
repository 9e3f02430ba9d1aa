package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// RedisStore persists tokens in Redis, keyed by (user, provider).
type RedisStore struct {
	client *redis.Client
	prefix string
	logger core.Logger
}

// NewRedisStore connects to Redis using a URL (redis://host:port/db)
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &core.FrameworkError{
			Op:   "auth.NewRedisStore",
			Kind: "token",
			Err:  fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err),
		}
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &core.FrameworkError{
			Op:   "auth.NewRedisStore",
			Kind: "token",
			Err:  fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}

	return &RedisStore{
		client: client,
		prefix: "assistant:tokens:",
		logger: &core.NoOpLogger{},
	}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests)
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "assistant:tokens:",
		logger: &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (s *RedisStore) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s.logger = logger
}

// storedToken is the wire form. LegacyExpiry tolerates records written by the
// old store that used "expiry_date"; "expires_at" wins whenever both exist.
type storedToken struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Access       string    `json:"access"`
	Refresh      string    `json:"refresh"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	LegacyExpiry time.Time `json:"expiry_date,omitempty"`
	Scopes       []string  `json:"scope"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *RedisStore) key(userID, provider string) string {
	return s.prefix + userID + ":" + provider
}

// Get returns the stored token or core.ErrTokenNotFound
func (s *RedisStore) Get(ctx context.Context, userID, provider string) (*Token, error) {
	data, err := s.client.Get(ctx, s.key(userID, provider)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrTokenNotFound
	}
	if err != nil {
		return nil, &core.FrameworkError{
			Op:   "auth.RedisStore.Get",
			Kind: "token",
			ID:   userID + "/" + provider,
			Err:  fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &core.FrameworkError{
			Op:   "auth.RedisStore.Get",
			Kind: "token",
			ID:   userID + "/" + provider,
			Err:  err,
		}
	}

	tok := st.toToken()
	if st.ExpiresAt.IsZero() && !st.LegacyExpiry.IsZero() {
		s.logger.Debug("Normalized legacy token expiry", map[string]interface{}{
			"operation": "token_load",
			"user_id":   userID,
			"provider":  provider,
		})
	}
	return tok, nil
}

// toToken normalizes the wire form. "expires_at" is authoritative; the legacy
// "expiry_date" hint is used only when "expires_at" is absent.
func (st storedToken) toToken() *Token {
	expiresAt := st.ExpiresAt
	if expiresAt.IsZero() && !st.LegacyExpiry.IsZero() {
		expiresAt = st.LegacyExpiry
	}
	return &Token{
		UserID:    st.UserID,
		Provider:  st.Provider,
		Access:    st.Access,
		Refresh:   st.Refresh,
		ExpiresAt: expiresAt,
		Scopes:    st.Scopes,
		UpdatedAt: st.UpdatedAt,
	}
}

// Put stores the token. Records are always written in the current form;
// the legacy expiry field is dropped on rewrite.
func (s *RedisStore) Put(ctx context.Context, token *Token) error {
	st := storedToken{
		UserID:    token.UserID,
		Provider:  token.Provider,
		Access:    token.Access,
		Refresh:   token.Refresh,
		ExpiresAt: token.ExpiresAt,
		Scopes:    token.Scopes,
		UpdatedAt: token.UpdatedAt,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(token.UserID, token.Provider), data, 0).Err(); err != nil {
		return &core.FrameworkError{
			Op:   "auth.RedisStore.Put",
			Kind: "token",
			ID:   token.UserID + "/" + token.Provider,
			Err:  fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	return nil
}

// Delete removes the token
func (s *RedisStore) Delete(ctx context.Context, userID, provider string) error {
	if err := s.client.Del(ctx, s.key(userID, provider)).Err(); err != nil {
		return &core.FrameworkError{
			Op:   "auth.RedisStore.Delete",
			Kind: "token",
			ID:   userID + "/" + provider,
			Err:  fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	return nil
}
