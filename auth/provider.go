package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/resilience"
)

// OAuthEndpoint describes how to refresh tokens for one provider
type OAuthEndpoint struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// TokenProvider supplies currently-valid tokens for (user, provider, scopes).
// Refreshes are proactive (inside the refresh margin) and coalesced per
// (user, provider) so concurrent callers trigger exactly one network call.
type TokenProvider struct {
	store     Store
	endpoints map[string]OAuthEndpoint

	refreshMargin time.Duration
	retryConfig   *resilience.RetryConfig
	group         singleflight.Group

	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time
}

// TokenProviderOption configures a TokenProvider
type TokenProviderOption func(*TokenProvider)

// WithRefreshMargin overrides the proactive refresh margin (default 5m)
func WithRefreshMargin(margin time.Duration) TokenProviderOption {
	return func(p *TokenProvider) { p.refreshMargin = margin }
}

// WithRetryConfig overrides the transient-failure retry policy
func WithRetryConfig(cfg *resilience.RetryConfig) TokenProviderOption {
	return func(p *TokenProvider) { p.retryConfig = cfg }
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) TokenProviderOption {
	return func(p *TokenProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(t core.Telemetry) TokenProviderOption {
	return func(p *TokenProvider) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// NewTokenProvider creates a TokenProvider over a store and OAuth endpoints
func NewTokenProvider(store Store, endpoints map[string]OAuthEndpoint, opts ...TokenProviderOption) *TokenProvider {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.Retryable = isTransientRefreshError

	p := &TokenProvider{
		store:         store,
		endpoints:     endpoints,
		refreshMargin: 5 * time.Minute,
		retryConfig:   retryCfg,
		logger:        &core.NoOpLogger{},
		telemetry:     &core.NoOpTelemetry{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a token reference whose remaining TTL exceeds the refresh margin
// and whose scope set covers the requested scopes. A scope mismatch or missing
// grant is terminal and returns a core.NeedsReauthError.
func (p *TokenProvider) Get(ctx context.Context, userID, provider string, scopes []string) (TokenRef, error) {
	tok, err := p.store.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, core.ErrTokenNotFound) {
			return TokenRef{}, &core.NeedsReauthError{Provider: provider, Reason: "consent_required"}
		}
		return TokenRef{}, err
	}

	// Scope mismatch is non-retryable: only the user can grant more scope.
	if !tok.HasScopes(scopes) {
		p.logger.Warn("Token scope insufficient", map[string]interface{}{
			"operation": "token_get",
			"user_id":   userID,
			"provider":  provider,
			"requested": scopes,
		})
		return TokenRef{}, &core.NeedsReauthError{Provider: provider, Reason: "scope"}
	}

	if tok.FreshFor(p.refreshMargin, p.now()) {
		return TokenRef{
			Provider:    provider,
			AccessToken: tok.Access,
			Fingerprint: tok.Fingerprint(),
		}, nil
	}

	refreshed, err := p.Refresh(ctx, userID, provider)
	if err != nil {
		return TokenRef{}, err
	}
	if !refreshed.HasScopes(scopes) {
		return TokenRef{}, &core.NeedsReauthError{Provider: provider, Reason: "scope"}
	}
	return TokenRef{
		Provider:    provider,
		AccessToken: refreshed.Access,
		Fingerprint: refreshed.Fingerprint(),
	}, nil
}

// Refresh exchanges the refresh token for a fresh access token and persists
// the result. Concurrent refreshes for the same (user, provider) coalesce to
// a single in-flight network call.
func (p *TokenProvider) Refresh(ctx context.Context, userID, provider string) (*Token, error) {
	key := userID + "|" + provider
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		return p.refreshLocked(ctx, userID, provider)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (p *TokenProvider) refreshLocked(ctx context.Context, userID, provider string) (*Token, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "auth.refresh")
	defer span.End()
	span.SetAttribute("provider", provider)

	endpoint, ok := p.endpoints[provider]
	if !ok {
		return nil, &core.FrameworkError{
			Op:   "auth.Refresh",
			Kind: "token",
			ID:   provider,
			Err:  fmt.Errorf("%w: no oauth endpoint for provider", core.ErrMissingConfiguration),
		}
	}

	tok, err := p.store.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, core.ErrTokenNotFound) {
			return nil, &core.NeedsReauthError{Provider: provider, Reason: "consent_required"}
		}
		return nil, err
	}
	if tok.Refresh == "" {
		return nil, &core.NeedsReauthError{Provider: provider, Reason: "consent_required"}
	}

	cfg := &oauth2.Config{
		ClientID:     endpoint.ClientID,
		ClientSecret: endpoint.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: endpoint.TokenURL,
			// Auto-detect probes a failed exchange twice (header then params),
			// which would double every refresh attempt against the retry budget.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	var exchanged *oauth2.Token
	err = resilience.Retry(ctx, p.retryConfig, func() error {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.Refresh})
		t, err := src.Token()
		if err != nil {
			return classifyRefreshError(provider, err)
		}
		exchanged = t
		return nil
	})
	if err != nil {
		span.RecordError(err)
		p.logger.Error("Token refresh failed", map[string]interface{}{
			"operation": "token_refresh",
			"user_id":   userID,
			"provider":  provider,
			"error":     err.Error(),
		})
		if re, ok := core.AsNeedsReauth(err); ok {
			// Stored credentials are dead weight once the grant is revoked
			_ = p.store.Delete(ctx, userID, provider)
			return nil, re
		}
		return nil, err
	}

	updated := &Token{
		UserID:    userID,
		Provider:  provider,
		Access:    exchanged.AccessToken,
		Refresh:   tok.Refresh,
		ExpiresAt: exchanged.Expiry,
		Scopes:    tok.Scopes,
		UpdatedAt: p.now(),
	}
	// Providers may rotate the refresh token on exchange
	if exchanged.RefreshToken != "" {
		updated.Refresh = exchanged.RefreshToken
	}

	if err := p.store.Put(ctx, updated); err != nil {
		return nil, err
	}

	p.logger.Info("Token refreshed", map[string]interface{}{
		"operation":   "token_refresh",
		"user_id":     userID,
		"provider":    provider,
		"fingerprint": updated.Fingerprint(),
		"expires_at":  updated.ExpiresAt,
	})
	p.telemetry.RecordMetric("auth.refresh.total", 1, map[string]string{"provider": provider})

	return updated, nil
}

// Invalidate marks the stored token unusable and emits a reauth requirement
func (p *TokenProvider) Invalidate(ctx context.Context, userID, provider string) error {
	if err := p.store.Delete(ctx, userID, provider); err != nil {
		return err
	}
	p.logger.Warn("Token invalidated", map[string]interface{}{
		"operation": "token_invalidate",
		"user_id":   userID,
		"provider":  provider,
	})
	return &core.NeedsReauthError{Provider: provider, Reason: "revoked"}
}

// classifyRefreshError separates permanent grant failures from transient ones.
// RFC 6749 error codes arrive as *oauth2.RetrieveError.
func classifyRefreshError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "unauthorized_client", "access_denied":
			return &core.NeedsReauthError{Provider: provider, Reason: "revoked"}
		case "invalid_scope":
			return &core.NeedsReauthError{Provider: provider, Reason: "scope"}
		case "consent_required", "interaction_required":
			return &core.NeedsReauthError{Provider: provider, Reason: "consent_required"}
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return &core.APIError{
				Kind:       core.KindTransient,
				Service:    provider,
				Method:     "token.refresh",
				StatusCode: retrieveErr.Response.StatusCode,
				Err:        err,
			}
		}
		return &core.NeedsReauthError{Provider: provider, Reason: "revoked"}
	}
	return &core.APIError{
		Kind:    core.KindTransient,
		Service: provider,
		Method:  "token.refresh",
		Err:     err,
	}
}

func isTransientRefreshError(err error) bool {
	if _, ok := core.AsNeedsReauth(err); ok {
		return false
	}
	if apiErr, ok := core.AsAPIError(err); ok {
		return apiErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
