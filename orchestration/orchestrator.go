package orchestration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/loader"
)

// Request is one user turn
type Request struct {
	UserID  string
	Message string
	History []HistoryEntry
	Options *RequestOptions
}

// RequestOptions are per-request overrides from the transport
type RequestOptions struct {
	Verbosity    string
	BestEffort   bool
	DeadlineMS   int
	IncludeTrace bool
}

// OrchestratorConfig bounds request handling
type OrchestratorConfig struct {
	RequestDeadline   time.Duration // default 30s
	HistoryMaxEntries int           // default 10
	HistoryMaxTokens  int           // default 5000
	HistorySize       int           // execution history ring, default 100
}

// DefaultOrchestratorConfig returns production defaults
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		RequestDeadline:   30 * time.Second,
		HistoryMaxEntries: 10,
		HistoryMaxTokens:  5000,
		HistorySize:       100,
	}
}

// ExecutionRecord is one entry in the orchestrator's bounded history ring
type ExecutionRecord struct {
	RequestID string
	UserID    string
	Query     string
	Outcome   string
	DurationMS int64
	Timestamp time.Time
}

// Metrics are the orchestrator's aggregate counters
type Metrics struct {
	Requests       int64
	Failures       int64
	Clarifications int64
	AvgLatencyMS   int64
}

// Orchestrator wires L1 → validation → L2 → L3 and assembles the envelope
type Orchestrator struct {
	decomposer  *Decomposer
	validator   *PlanValidator
	coordinator *ExecutionCoordinator
	synthesizer *Synthesizer
	users       *UserContextStore
	caller      loader.Caller
	ai          core.AIClient
	config      *OrchestratorConfig

	logger    core.Logger
	telemetry core.Telemetry

	mu           sync.Mutex
	metrics      Metrics
	totalLatency int64
	history      []ExecutionRecord
}

// NewOrchestrator assembles the pipeline
func NewOrchestrator(
	decomposer *Decomposer,
	validator *PlanValidator,
	coordinator *ExecutionCoordinator,
	synthesizer *Synthesizer,
	users *UserContextStore,
	caller loader.Caller,
	aiClient core.AIClient,
	config *OrchestratorConfig,
) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	if config.RequestDeadline <= 0 {
		config.RequestDeadline = 30 * time.Second
	}
	if config.HistoryMaxEntries <= 0 {
		config.HistoryMaxEntries = 10
	}
	if config.HistoryMaxTokens <= 0 {
		config.HistoryMaxTokens = 5000
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	return &Orchestrator{
		decomposer:  decomposer,
		validator:   validator,
		coordinator: coordinator,
		synthesizer: synthesizer,
		users:       users,
		caller:      caller,
		ai:          aiClient,
		config:      config,
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (o *Orchestrator) SetLogger(logger core.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (o *Orchestrator) SetTelemetry(t core.Telemetry) {
	if t != nil {
		o.telemetry = t
	}
}

// GetMetrics returns a snapshot of the aggregate counters
func (o *Orchestrator) GetMetrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.metrics
	if m.Requests > 0 {
		m.AvgLatencyMS = o.totalLatency / m.Requests
	}
	return m
}

// History returns a copy of the recent execution records, newest last
func (o *Orchestrator) History() []ExecutionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ExecutionRecord(nil), o.history...)
}

// Process handles one user turn end to end. User-level failures (bad plan,
// timeout, reauth) are expressed in the envelope; the error return is
// reserved for infrastructure faults the transport should 500 on.
func (o *Orchestrator) Process(ctx context.Context, req *Request) (*Envelope, error) {
	requestID := uuid.NewString()
	start := time.Now()

	ctx, span := o.telemetry.StartSpan(ctx, "orchestration.process")
	defer span.End()
	span.SetAttribute("request.id", requestID)

	deadline := o.config.RequestDeadline
	if req.Options != nil && req.Options.DeadlineMS > 0 {
		if d := time.Duration(req.Options.DeadlineMS) * time.Millisecond; d < deadline {
			deadline = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	o.logger.Info("Request received", map[string]interface{}{
		"operation":  "orchestration",
		"request_id": requestID,
		"user_id":    req.UserID,
	})

	user, err := o.users.Get(ctx, req.UserID)
	if err != nil {
		o.record(requestID, req, "failed", start)
		return nil, err
	}
	if req.Options != nil && req.Options.Verbosity != "" {
		u := *user
		u.Verbosity = req.Options.Verbosity
		user = &u
	}

	history := TruncateHistory(req.History, o.config.HistoryMaxEntries, o.config.HistoryMaxTokens)

	plan, prompt, err := o.decomposer.Decompose(ctx, req.Message, history, user)
	if err != nil {
		o.record(requestID, req, "failed", start)
		return o.failureEnvelope(req, history, err), nil
	}

	if verr := o.validator.Validate(plan, user); verr != nil {
		plan, err = o.decomposer.Revise(ctx, req.Message, history, user, plan, verr)
		if err == nil {
			verr = o.validator.Validate(plan, user)
		}
		if err != nil || verr != nil {
			o.logger.Warn("Plan rejected after revision", map[string]interface{}{
				"operation":  "orchestration",
				"request_id": requestID,
			})
			o.record(requestID, req, "plan_rejected", start)
			return &Envelope{
				Answer:     "I couldn't plan that request — can you rephrase?",
				ContextOut: history,
			}, nil
		}
	}
	o.decomposer.StorePlan(ctx, prompt, plan)

	if req.Options != nil && req.Options.BestEffort {
		plan.BestEffort = true
	}
	if plan.DeadlineMS > 0 {
		if d := time.Duration(plan.DeadlineMS) * time.Millisecond; d < deadline {
			var planCancel context.CancelFunc
			ctx, planCancel = context.WithTimeout(ctx, d)
			defer planCancel()
		}
	}

	ec := NewExecContext(user, loader.New(o.caller), o.ai)
	execution, execErr := o.coordinator.Execute(ctx, plan, ec)
	if execution != nil && execution.Trace != nil {
		execution.Trace.RequestID = requestID
	}
	if execErr != nil {
		o.record(requestID, req, "failed", start)
		envelope := o.failureEnvelope(req, history, execErr)
		if execution != nil {
			if envelope.NeedsReauth == nil {
				envelope.NeedsReauth = execution.NeedsReauth
			}
			envelope.Warnings = append(envelope.Warnings, execution.Warnings...)
			if req.Options != nil && req.Options.IncludeTrace {
				envelope.Trace = execution.Trace
				envelope.Plan = plan
			}
		}
		return envelope, nil
	}

	synthesis, err := o.synthesizer.Synthesize(ctx, &SynthesisInput{
		Query:     req.Message,
		Plan:      plan,
		Execution: execution,
		User:      user,
	})
	if err != nil {
		o.record(requestID, req, "failed", start)
		return o.failureEnvelope(req, history, err), nil
	}

	envelope := &Envelope{
		Answer:      synthesis.Answer,
		Citations:   synthesis.Citations,
		FollowUps:   synthesis.FollowUps,
		Warnings:    execution.Warnings,
		NeedsReauth: execution.NeedsReauth,
		ContextOut: append(append([]HistoryEntry(nil), history...),
			HistoryEntry{Role: "user", Content: req.Message, Timestamp: start},
			HistoryEntry{Role: "assistant", Content: synthesis.Answer, Timestamp: time.Now()},
		),
	}
	if req.Options != nil && req.Options.IncludeTrace {
		envelope.Trace = execution.Trace
		envelope.Plan = plan
	}

	outcome := "succeeded"
	if execution.Clarification != nil {
		outcome = "clarification"
	} else if execution.Partial {
		outcome = "partial"
	}
	o.record(requestID, req, outcome, start)

	o.logger.Info("Request completed", map[string]interface{}{
		"operation":   "orchestration",
		"request_id":  requestID,
		"outcome":     outcome,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return envelope, nil
}

// failureEnvelope maps pipeline errors to user-visible answers
func (o *Orchestrator) failureEnvelope(req *Request, history []HistoryEntry, err error) *Envelope {
	envelope := &Envelope{ContextOut: history}

	var reauth *core.NeedsReauthError
	switch {
	case errors.As(err, &reauth):
		envelope.Answer = "I need you to reconnect your " + reauth.Provider + " account before I can do that."
		envelope.NeedsReauth = &ReauthRequired{Provider: reauth.Provider, Reason: reauth.Reason}
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		envelope.Answer = "That took too long to answer. Try again, or narrow the question."
	case errors.Is(err, core.ErrPlanInvalid):
		envelope.Answer = "I couldn't plan that request — can you rephrase?"
	case errors.Is(err, core.ErrCircuitOpen):
		envelope.Answer = "One of your connected services is having trouble right now. Please try again shortly."
	default:
		envelope.Answer = "Something went wrong while answering that. Please try again."
		envelope.Warnings = append(envelope.Warnings, err.Error())
	}
	return envelope
}

func (o *Orchestrator) record(requestID string, req *Request, outcome string, start time.Time) {
	duration := time.Since(start).Milliseconds()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.Requests++
	o.totalLatency += duration
	switch outcome {
	case "failed", "plan_rejected":
		o.metrics.Failures++
	case "clarification":
		o.metrics.Clarifications++
	}
	o.history = append(o.history, ExecutionRecord{
		RequestID:  requestID,
		UserID:     req.UserID,
		Query:      req.Message,
		Outcome:    outcome,
		DurationMS: duration,
		Timestamp:  start,
	})
	if len(o.history) > o.config.HistorySize {
		o.history = o.history[len(o.history)-o.config.HistorySize:]
	}

	o.telemetry.RecordMetric("orchestration.requests", 1, map[string]string{"outcome": outcome})
}
