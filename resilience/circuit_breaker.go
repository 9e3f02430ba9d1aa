package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of probe requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. User errors
// (not found, invalid request, permission) must not trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := core.AsAPIError(err); ok {
		switch apiErr.Kind {
		case core.KindNotFound, core.KindInvalidRequest, core.KindPermissionDenied, core.KindAuth:
			return false
		}
		return true
	}
	if core.IsNotFound(err) || core.IsConfigurationError(err) || core.IsAuthError(err) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (typically the service name)
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int

	// FailureWindow bounds how far apart consecutive failures may be and still count.
	// A failure older than the window resets the consecutive count.
	FailureWindow time.Duration

	// CoolOff is how long the circuit stays open before a half-open probe
	CoolOff time.Duration

	// HalfOpenProbes is the number of successful probes needed to close
	HalfOpenProbes int

	// Classifier decides which errors count as failures
	Classifier ErrorClassifier
}

// Validate checks the configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure threshold must be positive", core.ErrInvalidConfiguration)
	}
	if c.CoolOff <= 0 {
		return fmt.Errorf("%w: cool-off must be positive", core.ErrInvalidConfiguration)
	}
	return nil
}

// DefaultCircuitBreakerConfig returns production defaults: 5 consecutive
// failures within 30s open the circuit; one successful probe closes it.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		CoolOff:          30 * time.Second,
		HalfOpenProbes:   1,
		Classifier:       DefaultErrorClassifier,
	}
}

// CircuitBreaker is a three-state failure isolator shared across requests.
// State transitions are serialized by an internal mutex.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailure     time.Time
	openedAt        time.Time
	halfOpenPending bool
	probeSuccesses  int

	logger core.Logger
	now    func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Classifier == nil {
		config.Classifier = DefaultErrorClassifier
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		logger: &core.NoOpLogger{},
		now:    time.Now,
	}, nil
}

// SetLogger sets the logger provider
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	cb.logger = logger
}

// Allow reports whether a call may proceed. In half-open state at most one
// probe is admitted at a time; callers that are admitted must report the
// outcome via RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.CoolOff {
			cb.transition(StateHalfOpen)
			cb.halfOpenPending = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenPending {
			return false
		}
		cb.halfOpenPending = true
		return true
	}
	return false
}

// RetryAfter returns how long callers should wait before the next attempt
// while the circuit is open. Zero when the circuit is not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.config.CoolOff - cb.now().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenPending = false
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenProbes {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed call. Errors that the classifier rejects
// must not be reported here.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		if cb.config.FailureWindow > 0 && !cb.lastFailure.IsZero() &&
			now.Sub(cb.lastFailure) > cb.config.FailureWindow {
			cb.failures = 0
		}
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenPending = false
		cb.transition(StateOpen)
	}
}

// CountsAsFailure applies the configured classifier
func (cb *CircuitBreaker) CountsAsFailure(err error) bool {
	return cb.config.Classifier(err)
}

// GetState returns the current state name
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset forces the breaker back to closed, clearing all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probeSuccesses = 0
	cb.halfOpenPending = false
	cb.transition(StateClosed)
}

// transition changes state; caller must hold the mutex.
func (cb *CircuitBreaker) transition(newState CircuitState) {
	if cb.state == newState {
		return
	}
	from := cb.state
	cb.state = newState
	switch newState {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.probeSuccesses = 0
	case StateClosed:
		cb.failures = 0
		cb.probeSuccesses = 0
		cb.halfOpenPending = false
	}
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_state_change",
		"breaker":   cb.config.Name,
		"from":      from.String(),
		"to":        newState.String(),
	})
}
