package ai

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// RateLimitedClient wraps an AIClient with a request-rate limiter and a
// concurrency cap. All orchestration layers share one instance so the cap
// holds across concurrent requests.
type RateLimitedClient struct {
	inner   core.AIClient
	limiter *rate.Limiter
	sem     chan struct{}
}

// NewRateLimitedClient caps concurrent LLM calls at maxConcurrent and
// smooths the request rate to rps. A zero rps disables rate limiting; a
// non-positive maxConcurrent defaults to 4.
func NewRateLimitedClient(inner core.AIClient, rps float64, maxConcurrent int) *RateLimitedClient {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), maxConcurrent)
	}
	return &RateLimitedClient{
		inner:   inner,
		limiter: limiter,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// GenerateResponse blocks until a slot and a rate token are available, then
// delegates to the wrapped client
func (c *RateLimitedClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.GenerateResponse(ctx, prompt, options)
}
