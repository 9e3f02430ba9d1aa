package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorRetryable(t *testing.T) {
	cases := []struct {
		kind      APIErrorKind
		retryable bool
	}{
		{KindRateLimited, true},
		{KindTransient, true},
		{KindAuth, false},
		{KindPermissionDenied, false},
		{KindNotFound, false},
		{KindInvalidRequest, false},
		{KindTimeout, false},
		{KindUnknown, false},
	}

	for _, tc := range cases {
		err := &APIError{Kind: tc.kind, Service: "email", Method: "search"}
		assert.Equal(t, tc.retryable, err.Retryable(), "kind %s", tc.kind)
	}
}

func TestAsAPIErrorUnwrapsChain(t *testing.T) {
	inner := &APIError{
		Kind:       KindRateLimited,
		Service:    "email",
		Method:     "list",
		RetryAfter: 2 * time.Second,
	}
	wrapped := fmt.Errorf("strategy metadata_filter: %w", inner)

	apiErr, ok := AsAPIError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, apiErr.Kind)
	assert.Equal(t, 2*time.Second, apiErr.RetryAfter)
	assert.True(t, IsRetryable(wrapped))
}

func TestNeedsReauthError(t *testing.T) {
	err := &NeedsReauthError{Provider: "google", Reason: "scope"}
	wrapped := NewFrameworkError("auth.Get", "token", err)

	re, ok := AsNeedsReauth(wrapped)
	require.True(t, ok)
	assert.Equal(t, "google", re.Provider)
	assert.Equal(t, "scope", re.Reason)
	assert.True(t, errors.Is(wrapped, ErrReauthRequired))
	assert.True(t, IsAuthError(err))
}

func TestFrameworkErrorFormats(t *testing.T) {
	err := &FrameworkError{Op: "auth.Refresh", ID: "u1/google", Err: ErrTokenExpired}
	assert.Contains(t, err.Error(), "auth.Refresh")
	assert.Contains(t, err.Error(), "u1/google")
	assert.True(t, errors.Is(err, ErrTokenExpired))

	msgOnly := &FrameworkError{Message: "something broke"}
	assert.Equal(t, "something broke", msgOnly.Error())
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(&APIError{Kind: KindAuth}))
	assert.False(t, IsAuthError(&APIError{Kind: KindNotFound}))
	assert.True(t, IsAuthError(ErrTokenExpired))
	assert.True(t, IsAuthError(ErrScopeMissing))
}
