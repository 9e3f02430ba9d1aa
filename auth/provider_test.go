package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/resilience"
)

// tokenEndpoint is a minimal OAuth token endpoint. status/body are served on
// every exchange; calls counts network-level refresh requests.
type tokenEndpoint struct {
	calls  int64
	status int
	body   map[string]interface{}
	delay  time.Duration
}

func (e *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&e.calls, 1)
		if e.delay > 0 {
			time.Sleep(e.delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if e.status != 0 && e.status != http.StatusOK {
			w.WriteHeader(e.status)
		}
		_ = json.NewEncoder(w).Encode(e.body)
	}
}

func newTestProvider(t *testing.T, endpoint *tokenEndpoint) (*TokenProvider, *MemoryStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(endpoint.handler())
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	p := NewTokenProvider(store, map[string]OAuthEndpoint{
		"google": {ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL},
	}, WithRefreshMargin(5*time.Minute))
	return p, store, srv
}

func seedToken(t *testing.T, store Store, expiresAt time.Time, scopes []string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), &Token{
		UserID:    "u1",
		Provider:  "google",
		Access:    "old-access",
		Refresh:   "refresh-1",
		ExpiresAt: expiresAt,
		Scopes:    scopes,
	}))
}

func TestGetReturnsFreshTokenWithoutRefresh(t *testing.T) {
	ep := &tokenEndpoint{body: map[string]interface{}{"access_token": "new", "expires_in": 3600}}
	p, store, _ := newTestProvider(t, ep)
	seedToken(t, store, time.Now().Add(time.Hour), []string{"read_email"})

	ref, err := p.Get(context.Background(), "u1", "google", []string{"read_email"})
	require.NoError(t, err)
	assert.Equal(t, "old-access", ref.AccessToken)
	assert.Equal(t, int64(0), atomic.LoadInt64(&ep.calls))
	assert.NotEmpty(t, ref.Fingerprint)
	assert.NotContains(t, ref.Fingerprint, "old-access")
}

func TestGetRefreshesInsideMargin(t *testing.T) {
	ep := &tokenEndpoint{body: map[string]interface{}{
		"access_token": "new-access", "token_type": "Bearer", "expires_in": 3600,
	}}
	p, store, _ := newTestProvider(t, ep)
	seedToken(t, store, time.Now().Add(time.Minute), []string{"read_email"})

	ref, err := p.Get(context.Background(), "u1", "google", []string{"read_email"})
	require.NoError(t, err)
	assert.Equal(t, "new-access", ref.AccessToken)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ep.calls))

	stored, err := store.Get(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.Access)
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestConcurrentGetsCoalesceToOneRefresh(t *testing.T) {
	ep := &tokenEndpoint{
		body:  map[string]interface{}{"access_token": "new-access", "token_type": "Bearer", "expires_in": 3600},
		delay: 50 * time.Millisecond,
	}
	p, store, _ := newTestProvider(t, ep)
	seedToken(t, store, time.Now().Add(-time.Minute), []string{"read_email"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Get(context.Background(), "u1", "google", []string{"read_email"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&ep.calls), "coalesced refresh must hit the network once")
}

func TestScopeMismatchIsTerminal(t *testing.T) {
	ep := &tokenEndpoint{body: map[string]interface{}{"access_token": "new", "expires_in": 3600}}
	p, store, _ := newTestProvider(t, ep)
	seedToken(t, store, time.Now().Add(time.Hour), []string{"read_email"})

	_, err := p.Get(context.Background(), "u1", "google", []string{"read_email", "read_calendar"})
	re, ok := core.AsNeedsReauth(err)
	require.True(t, ok)
	assert.Equal(t, "google", re.Provider)
	assert.Equal(t, "scope", re.Reason)
	assert.Equal(t, int64(0), atomic.LoadInt64(&ep.calls), "scope mismatch must not attempt refresh")
}

func TestMissingTokenNeedsConsent(t *testing.T) {
	ep := &tokenEndpoint{body: map[string]interface{}{}}
	p, _, _ := newTestProvider(t, ep)

	_, err := p.Get(context.Background(), "nobody", "google", nil)
	re, ok := core.AsNeedsReauth(err)
	require.True(t, ok)
	assert.Equal(t, "consent_required", re.Reason)
}

func TestRevokedGrantSurfacesNeedsReauth(t *testing.T) {
	ep := &tokenEndpoint{
		status: http.StatusBadRequest,
		body:   map[string]interface{}{"error": "invalid_grant"},
	}
	p, store, _ := newTestProvider(t, ep)
	seedToken(t, store, time.Now().Add(-time.Minute), []string{"read_email"})

	_, err := p.Get(context.Background(), "u1", "google", []string{"read_email"})
	re, ok := core.AsNeedsReauth(err)
	require.True(t, ok)
	assert.Equal(t, "revoked", re.Reason)
	assert.Equal(t, int64(1), atomic.LoadInt64(&ep.calls), "permanent failures must not retry")

	// Dead grant is purged from the store
	_, err = store.Get(context.Background(), "u1", "google")
	assert.ErrorIs(t, err, core.ErrTokenNotFound)
}

func TestTransientRefreshErrorRetries(t *testing.T) {
	ep := &tokenEndpoint{
		status: http.StatusServiceUnavailable,
		body:   map[string]interface{}{"error": "temporarily_unavailable"},
	}
	srv := httptest.NewServer(ep.handler())
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
		Retryable:     isTransientRefreshError,
	}
	p := NewTokenProvider(store, map[string]OAuthEndpoint{
		"google": {ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL},
	}, WithRetryConfig(retryCfg))
	seedToken(t, store, time.Now().Add(-time.Minute), []string{"read_email"})

	_, err := p.Refresh(context.Background(), "u1", "google")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, int64(3), atomic.LoadInt64(&ep.calls))
}

func TestInvalidateEmitsReauth(t *testing.T) {
	ep := &tokenEndpoint{body: map[string]interface{}{}}
	p, store, _ := newTestProvider(t, ep)
	seedToken(t, store, time.Now().Add(time.Hour), nil)

	err := p.Invalidate(context.Background(), "u1", "google")
	re, ok := core.AsNeedsReauth(err)
	require.True(t, ok)
	assert.Equal(t, "revoked", re.Reason)

	_, err = store.Get(context.Background(), "u1", "google")
	assert.ErrorIs(t, err, core.ErrTokenNotFound)
}
