package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Strategy and plan errors
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrPlanInvalid      = errors.New("plan failed validation")
	ErrPlanCyclic       = errors.New("plan contains a cycle")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Token and auth errors
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenNotFound  = errors.New("token not found")
	ErrScopeMissing   = errors.New("token scope missing")
	ErrReauthRequired = errors.New("reauthorization required")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitOpen        = errors.New("circuit breaker open")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// APIErrorKind is the uniform provider error taxonomy. Every error leaving
// the provider API client boundary carries exactly one of these kinds.
type APIErrorKind string

const (
	KindAuth             APIErrorKind = "auth"
	KindPermissionDenied APIErrorKind = "permission_denied"
	KindNotFound         APIErrorKind = "not_found"
	KindRateLimited      APIErrorKind = "rate_limited"
	KindTimeout          APIErrorKind = "timeout"
	KindTransient        APIErrorKind = "transient_5xx"
	KindInvalidRequest   APIErrorKind = "invalid_request"
	KindUnknown          APIErrorKind = "unknown"
)

// APIError is the classified form of a provider call failure.
type APIError struct {
	Kind       APIErrorKind
	Service    string // "email", "calendar", "contacts", "llm"
	Method     string
	StatusCode int
	RetryAfter time.Duration // populated for rate_limited
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s.%s: %s: %s", e.Service, e.Method, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Service, e.Method, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Service, e.Method, e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the API client layer may retry this error.
// Only rate limiting and transient upstream failures are retried there.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// NeedsReauthError is the terminal signal that the user must re-consent
// before provider calls can succeed. It is surfaced in the reply envelope
// and never retried.
type NeedsReauthError struct {
	Provider string
	Reason   string // "revoked", "scope", "consent_required"
}

func (e *NeedsReauthError) Error() string {
	return fmt.Sprintf("reauthorization required for %s: %s", e.Provider, e.Reason)
}

func (e *NeedsReauthError) Unwrap() error { return ErrReauthRequired }

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "auth.Refresh")
	Kind    string // Error kind (e.g., "token", "plan", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// AsAPIError extracts an APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// AsNeedsReauth extracts a NeedsReauthError from an error chain.
func AsNeedsReauth(err error) (*NeedsReauthError, bool) {
	var re *NeedsReauthError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Retryable()
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error indicates a credential problem
func IsAuthError(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Kind == KindAuth
	}
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrScopeMissing) ||
		errors.Is(err, ErrReauthRequired)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Kind == KindNotFound
	}
	return errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrStrategyNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
