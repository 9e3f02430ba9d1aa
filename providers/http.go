package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ezhong0/aiassistant-sub012/auth"
	"github.com/ezhong0/aiassistant-sub012/core"
)

// HTTPTransport exchanges CallRequests with real provider endpoints as
// POST {baseURL}/{method} with a JSON body and bearer auth.
type HTTPTransport struct {
	baseURLs   map[string]string
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPTransport creates a transport for the given service base URLs
func NewHTTPTransport(baseURLs map[string]string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		baseURLs:   baseURLs,
		httpClient: &http.Client{Timeout: timeout},
		logger:     &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (t *HTTPTransport) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	t.logger = logger
}

// RoundTrip performs the HTTP exchange and classifies failures
func (t *HTTPTransport) RoundTrip(ctx context.Context, req CallRequest, token auth.TokenRef) (json.RawMessage, error) {
	baseURL, ok := t.baseURLs[req.Service]
	if !ok || baseURL == "" {
		return nil, &core.APIError{
			Kind:    core.KindInvalidRequest,
			Service: req.Service,
			Method:  req.Method,
			Message: "no endpoint configured",
		}
	}

	body, err := json.Marshal(req.Params)
	if err != nil {
		return nil, &core.APIError{
			Kind:    core.KindInvalidRequest,
			Service: req.Service,
			Method:  req.Method,
			Err:     err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/"+req.Method, bytes.NewReader(body))
	if err != nil {
		return nil, &core.APIError{
			Kind:    core.KindInvalidRequest,
			Service: req.Service,
			Method:  req.Method,
			Err:     err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		kind := core.KindTransient
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = core.KindTimeout
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &core.APIError{
			Kind:    kind,
			Service: req.Service,
			Method:  req.Method,
			Err:     err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &core.APIError{
			Kind:    core.KindTransient,
			Service: req.Service,
			Method:  req.Method,
			Err:     err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ClassifyHTTPStatus(req.Service, req.Method, resp.StatusCode, string(data), parseRetryAfter(resp))
	}

	return json.RawMessage(data), nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
