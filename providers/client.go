package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ezhong0/aiassistant-sub012/auth"
	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/resilience"
)

// Transport performs the raw exchange with an external service. The HTTP
// transport talks to real providers; the fake transport serves fixtures.
type Transport interface {
	RoundTrip(ctx context.Context, req CallRequest, token auth.TokenRef) (json.RawMessage, error)
}

// TokenSource is the slice of the auth.TokenProvider surface the client needs
type TokenSource interface {
	Get(ctx context.Context, userID, provider string, scopes []string) (auth.TokenRef, error)
	Refresh(ctx context.Context, userID, provider string) (*auth.Token, error)
}

// ServiceScopes maps a service to the OAuth scopes its calls require
var ServiceScopes = map[string][]string{
	ServiceEmail:    {"read_email"},
	ServiceCalendar: {"read_calendar"},
	ServiceContacts: {"read_contacts"},
}

// APIClient performs a single logical provider call with retry, timeout and a
// per-service circuit breaker. Retries for RateLimited/Transient5xx live here
// and nowhere above this layer.
type APIClient struct {
	transport Transport
	tokens    TokenSource

	// oauthProvider names the identity provider backing each service
	// (all three default to "google")
	oauthProvider map[string]string

	breakers    map[string]*resilience.CircuitBreaker
	retryConfig *resilience.RetryConfig
	callTimeout time.Duration

	logger    core.Logger
	telemetry core.Telemetry
}

// APIClientOption configures an APIClient
type APIClientOption func(*APIClient)

// WithCallTimeout bounds a single logical call (default 10s)
func WithCallTimeout(d time.Duration) APIClientOption {
	return func(c *APIClient) { c.callTimeout = d }
}

// WithRetryConfig overrides the retry policy
func WithRetryConfig(cfg *resilience.RetryConfig) APIClientOption {
	return func(c *APIClient) { c.retryConfig = cfg }
}

// WithBreakerConfig replaces the breaker for one service
func WithBreakerConfig(service string, cfg *resilience.CircuitBreakerConfig) APIClientOption {
	return func(c *APIClient) {
		if cb, err := resilience.NewCircuitBreaker(cfg); err == nil {
			c.breakers[service] = cb
		}
	}
}

// WithOAuthProvider maps a service to its identity provider name
func WithOAuthProvider(service, provider string) APIClientOption {
	return func(c *APIClient) { c.oauthProvider[service] = provider }
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) APIClientOption {
	return func(c *APIClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(t core.Telemetry) APIClientOption {
	return func(c *APIClient) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// NewAPIClient creates a client over a transport and token source
func NewAPIClient(transport Transport, tokens TokenSource, opts ...APIClientOption) *APIClient {
	c := &APIClient{
		transport: transport,
		tokens:    tokens,
		oauthProvider: map[string]string{
			ServiceEmail:    "google",
			ServiceCalendar: "google",
			ServiceContacts: "google",
		},
		breakers:    make(map[string]*resilience.CircuitBreaker),
		retryConfig: resilience.DefaultRetryConfig(),
		callTimeout: 10 * time.Second,
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
	}
	// The breaker map is fixed at construction; Call never mutates it, so
	// lookups are safe across concurrent requests.
	for _, service := range []string{ServiceEmail, ServiceCalendar, ServiceContacts, ServiceLLM} {
		cb, _ := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(service))
		c.breakers[service] = cb
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState reports the named service's breaker state (for traces/tests)
func (c *APIClient) BreakerState(service string) string {
	if cb, ok := c.breakers[service]; ok {
		return cb.GetState()
	}
	return "unknown"
}

// Call performs one logical provider call. While the service's breaker is
// open it fails fast with a rate-limited style RetryAfter hint. An auth
// failure triggers one opportunistic token refresh and a single re-attempt.
func (c *APIClient) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "providers.call")
	defer span.End()
	span.SetAttribute("service", req.Service)
	span.SetAttribute("method", req.Method)

	cb, ok := c.breakers[req.Service]
	if !ok {
		return nil, &core.APIError{
			Kind:    core.KindInvalidRequest,
			Service: req.Service,
			Method:  req.Method,
			Message: "unknown service",
		}
	}

	if !cb.Allow() {
		err := &core.APIError{
			Kind:       core.KindTransient,
			Service:    req.Service,
			Method:     req.Method,
			RetryAfter: cb.RetryAfter(),
			Message:    "service unavailable: circuit open",
			Err:        core.ErrCircuitOpen,
		}
		span.RecordError(err)
		c.telemetry.RecordMetric("providers.circuit_rejections", 1, map[string]string{"service": req.Service})
		return nil, err
	}

	start := time.Now()
	var result json.RawMessage
	err := resilience.Retry(ctx, c.retryConfig, func() error {
		res, err := c.attempt(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if err != nil {
		if cb.CountsAsFailure(err) {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		span.RecordError(err)
		c.logger.Warn("Provider call failed", map[string]interface{}{
			"operation":   "provider_call",
			"service":     req.Service,
			"method":      req.Method,
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	cb.RecordSuccess()
	c.logger.Debug("Provider call completed", map[string]interface{}{
		"operation":   "provider_call",
		"service":     req.Service,
		"method":      req.Method,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	c.telemetry.RecordMetric("providers.calls.total", 1, map[string]string{"service": req.Service})
	return result, nil
}

// attempt performs one transport exchange including token acquisition.
// Auth errors get one opportunistic refresh before giving up.
func (c *APIClient) attempt(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	provider := c.oauthProvider[req.Service]
	token, err := c.tokens.Get(ctx, req.UserID, provider, ServiceScopes[req.Service])
	if err != nil {
		return nil, err
	}

	res, err := c.transport.RoundTrip(ctx, req, token)
	if err == nil {
		return res, nil
	}

	if core.IsAuthError(err) {
		if _, refreshErr := c.tokens.Refresh(ctx, req.UserID, provider); refreshErr != nil {
			return nil, refreshErr
		}
		token, err = c.tokens.Get(ctx, req.UserID, provider, ServiceScopes[req.Service])
		if err != nil {
			return nil, err
		}
		c.logger.Debug("Retrying call after token refresh", map[string]interface{}{
			"operation": "provider_call_reauth",
			"service":   req.Service,
			"method":    req.Method,
		})
		return c.transport.RoundTrip(ctx, req, token)
	}
	return nil, err
}

// ClassifyHTTPStatus maps a provider HTTP status to the error taxonomy
func ClassifyHTTPStatus(service, method string, status int, body string, retryAfter time.Duration) *core.APIError {
	kind := core.KindUnknown
	switch {
	case status == 401:
		kind = core.KindAuth
	case status == 403:
		kind = core.KindPermissionDenied
	case status == 404:
		kind = core.KindNotFound
	case status == 429:
		kind = core.KindRateLimited
	case status == 408 || status == 504:
		kind = core.KindTimeout
	case status >= 500:
		kind = core.KindTransient
	case status >= 400:
		kind = core.KindInvalidRequest
	}
	return &core.APIError{
		Kind:       kind,
		Service:    service,
		Method:     method,
		StatusCode: status,
		RetryAfter: retryAfter,
		Message:    truncate(body, 200),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
