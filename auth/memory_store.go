package auth

import (
	"context"
	"sync"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// MemoryStore is an in-memory token store for tests and single-process runs
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func storeKey(userID, provider string) string {
	return userID + "|" + provider
}

// Get returns the stored token or core.ErrTokenNotFound
func (s *MemoryStore) Get(ctx context.Context, userID, provider string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[storeKey(userID, provider)]
	if !ok {
		return nil, core.ErrTokenNotFound
	}
	cp := *tok
	cp.Scopes = append([]string(nil), tok.Scopes...)
	return &cp, nil
}

// Put stores a copy of the token
func (s *MemoryStore) Put(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	cp.Scopes = append([]string(nil), token.Scopes...)
	s.tokens[storeKey(token.UserID, token.Provider)] = &cp
	return nil
}

// Delete removes the token; deleting a missing token is not an error
func (s *MemoryStore) Delete(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, storeKey(userID, provider))
	return nil
}
