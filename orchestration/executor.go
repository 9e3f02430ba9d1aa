package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/providers"
)

// CoordinatorConfig bounds execution
type CoordinatorConfig struct {
	// NodeTimeout bounds one node (default 10s). A strategy may declare its
	// own timeout in its spec; plans may not extend either.
	NodeTimeout time.Duration
	// MaxConcurrency caps concurrent nodes across the request (default 32)
	MaxConcurrency int
	// ServiceCaps bound concurrent nodes touching one service
	ServiceCaps map[string]int
}

// DefaultCoordinatorConfig returns production defaults
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		NodeTimeout:    10 * time.Second,
		MaxConcurrency: 32,
		ServiceCaps: map[string]int{
			providers.ServiceEmail:    8,
			providers.ServiceCalendar: 8,
			providers.ServiceContacts: 4,
			providers.ServiceLLM:      4,
		},
	}
}

// ExecutionResult is everything L2 hands to L3
type ExecutionResult struct {
	Results       map[string]*NodeResult
	Trace         *ExecutionTrace
	Warnings      []string
	NeedsReauth   *ReauthRequired
	Clarification *Clarification
	// Partial is true when best_effort execution lost nodes to failures
	Partial bool
}

// ExecutionCoordinator runs validated plans: topological layers, bounded
// concurrency, per-node timeouts, cooperative cancellation. Retries live in
// the API client, never here.
type ExecutionCoordinator struct {
	registry *StrategyRegistry
	config   *CoordinatorConfig

	globalSem   chan struct{}
	serviceSems map[string]chan struct{}

	logger    core.Logger
	telemetry core.Telemetry
}

// NewExecutionCoordinator creates a coordinator over the registry
func NewExecutionCoordinator(registry *StrategyRegistry, config *CoordinatorConfig) *ExecutionCoordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = 10 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 32
	}
	sems := make(map[string]chan struct{}, len(config.ServiceCaps))
	for service, cap := range config.ServiceCaps {
		if cap > 0 {
			sems[service] = make(chan struct{}, cap)
		}
	}
	return &ExecutionCoordinator{
		registry:    registry,
		config:      config,
		globalSem:   make(chan struct{}, config.MaxConcurrency),
		serviceSems: sems,
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
	}
}

// SetLogger sets the logger provider
func (c *ExecutionCoordinator) SetLogger(logger core.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetTelemetry sets the telemetry provider
func (c *ExecutionCoordinator) SetTelemetry(t core.Telemetry) {
	if t != nil {
		c.telemetry = t
	}
}

// nodeRun is the mutable execution record for one node
type nodeRun struct {
	node  PlanNode
	trace NodeTrace
}

// Execute runs the plan to completion, cancellation or short-circuit. The
// returned error is non-nil only when the request as a whole failed; partial
// best-effort outcomes return a result with Partial=true.
func (c *ExecutionCoordinator) Execute(ctx context.Context, plan *Plan, ec *ExecContext) (*ExecutionResult, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "orchestration.execute")
	defer span.End()
	span.SetAttribute("plan.nodes", len(plan.Nodes))

	layers, err := topoLayers(plan)
	if err != nil {
		return nil, err
	}

	runs := make(map[string]*nodeRun, len(plan.Nodes))
	for _, node := range plan.Nodes {
		runs[node.ID] = &nodeRun{node: node, trace: NodeTrace{ID: node.ID, State: StatePending}}
	}
	dependsOn := make(map[string][]string)
	for _, edge := range plan.Edges() {
		dependsOn[edge.To] = append(dependsOn[edge.To], edge.From)
	}

	result := &ExecutionResult{}
	var firstErr error
	start := time.Now()

layerLoop:
	for _, layer := range layers {
		var wg sync.WaitGroup
		var mu sync.Mutex

		for _, node := range layer {
			run := runs[node.ID]

			if ctx.Err() != nil {
				run.trace.State = StateCancelled
				continue
			}
			if blocked, reason := c.upstreamBlocked(run.node.ID, dependsOn, runs); blocked {
				run.trace.State = StateSkipped
				run.trace.Error = reason
				continue
			}

			wg.Add(1)
			go func(run *nodeRun) {
				defer wg.Done()
				trace := c.runNode(ctx, ec, run.node)
				mu.Lock()
				run.trace = trace
				mu.Unlock()
			}(run)
		}
		wg.Wait()

		// Classify this layer's outcomes before scheduling the next
		for _, node := range layer {
			run := runs[node.ID]
			if run.trace.State != StateFailed {
				continue
			}
			nodeErr := storedNodeError(ec, node.ID)
			if nodeErr == nil {
				nodeErr = fmt.Errorf("%s", run.trace.Error)
			}
			if reauth, ok := reauthFromTrace(ec, node.ID); ok {
				if result.NeedsReauth == nil {
					result.NeedsReauth = reauth
				}
			}
			if run.node.Optional() {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("optional step %s failed: %s", node.ID, run.trace.Error))
				continue
			}
			if plan.BestEffort {
				result.Partial = true
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("step %s failed: %s", node.ID, run.trace.Error))
				continue
			}
			firstErr = fmt.Errorf("node %s failed: %w", node.ID, nodeErr)
			break layerLoop
		}

		// A clarification node short-circuits the rest of the plan
		for _, node := range layer {
			if res, ok := ec.Result(node.ID); ok && res.Kind == KindClarification {
				result.Clarification = res.Clarification
				markRemaining(runs, StateSkipped)
				break layerLoop
			}
		}
	}

	if ctx.Err() != nil && firstErr == nil {
		firstErr = classifyContextErr(ctx)
	}
	markRemaining(runs, stateForAbort(ctx, firstErr))

	result.Results = ec.Results()
	result.Trace = &ExecutionTrace{Nodes: make([]NodeTrace, 0, len(plan.Nodes))}
	for _, node := range plan.Nodes {
		result.Trace.Nodes = append(result.Trace.Nodes, runs[node.ID].trace)
	}

	c.logger.Info("Plan execution finished", map[string]interface{}{
		"operation":   "plan_execution",
		"nodes":       len(plan.Nodes),
		"duration_ms": time.Since(start).Milliseconds(),
		"partial":     result.Partial,
		"failed":      firstErr != nil,
	})
	c.telemetry.RecordMetric("orchestration.executions", 1, map[string]string{
		"outcome": outcomeLabel(firstErr, result),
	})

	if firstErr != nil {
		if plan.BestEffort {
			// Deadline hit mid-flight with best_effort: surface what we have
			result.Partial = true
			result.Warnings = append(result.Warnings, "request ended early: "+firstErr.Error())
			return result, nil
		}
		span.RecordError(firstErr)
		return result, firstErr
	}
	return result, nil
}

// runNode executes one node under its timeout and the concurrency caps
func (c *ExecutionCoordinator) runNode(ctx context.Context, ec *ExecContext, node PlanNode) NodeTrace {
	trace := NodeTrace{ID: node.ID, State: StateRunning, StartedAt: time.Now(), Attempts: 1}

	finish := func(state NodeState, err error) NodeTrace {
		trace.State = state
		trace.EndedAt = time.Now()
		trace.TimingMS = trace.EndedAt.Sub(trace.StartedAt).Milliseconds()
		if err != nil {
			trace.Error = err.Error()
		}
		return trace
	}

	select {
	case c.globalSem <- struct{}{}:
		defer func() { <-c.globalSem }()
	case <-ctx.Done():
		return finish(StateCancelled, ctx.Err())
	}

	strategy, err := c.registry.Get(node.Type)
	if err != nil {
		return finish(StateFailed, err)
	}

	for _, service := range strategy.Spec.Providers {
		sem, ok := c.serviceSems[service]
		if !ok {
			continue
		}
		select {
		case sem <- struct{}{}:
			defer func(sem chan struct{}) { <-sem }(sem)
		case <-ctx.Done():
			return finish(StateCancelled, ctx.Err())
		}
	}

	timeout := c.config.NodeTimeout
	if strategy.Spec.Timeout > 0 {
		timeout = strategy.Spec.Timeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := strategy.Run(nodeCtx, ec, node)
	if err != nil {
		if ctx.Err() != nil {
			return finish(StateCancelled, ctx.Err())
		}
		if nodeCtx.Err() == context.DeadlineExceeded {
			timeoutErr := fmt.Errorf("%w: node %s exceeded %s", core.ErrTimeout, node.ID, timeout)
			storeNodeError(ec, node.ID, timeoutErr)
			return finish(StateFailed, timeoutErr)
		}
		c.logger.Warn("Node execution failed", map[string]interface{}{
			"operation": "node_execution",
			"node":      node.ID,
			"strategy":  node.Type,
			"error":     err.Error(),
		})
		storeNodeError(ec, node.ID, err)
		return finish(StateFailed, err)
	}

	result.TimingMS = time.Since(trace.StartedAt).Milliseconds()
	ec.setResult(node.ID, result)
	return finish(StateSucceeded, nil)
}

// upstreamBlocked reports whether a node's dependencies prevent it running
func (c *ExecutionCoordinator) upstreamBlocked(id string, dependsOn map[string][]string, runs map[string]*nodeRun) (bool, string) {
	for _, dep := range dependsOn[id] {
		run, ok := runs[dep]
		if !ok {
			continue
		}
		if run.trace.State != StateSucceeded {
			return true, fmt.Sprintf("upstream node %s %s", dep, run.trace.State)
		}
	}
	return false, ""
}

// storeNodeError keeps per-node failures on the arena for reauth propagation
// and error surfacing; the coordinator itself stays stateless across requests
func storeNodeError(ec *ExecContext, nodeID string, err error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.nodeErrors == nil {
		ec.nodeErrors = make(map[string]error)
	}
	ec.nodeErrors[nodeID] = err
}

func storedNodeError(ec *ExecContext, nodeID string) error {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.nodeErrors[nodeID]
}

func reauthFromTrace(ec *ExecContext, nodeID string) (*ReauthRequired, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	err, ok := ec.nodeErrors[nodeID]
	if !ok {
		return nil, false
	}
	if reauth, isReauth := core.AsNeedsReauth(err); isReauth {
		return &ReauthRequired{Provider: reauth.Provider, Reason: reauth.Reason}, true
	}
	return nil, false
}

func markRemaining(runs map[string]*nodeRun, state NodeState) {
	for _, run := range runs {
		if run.trace.State == StatePending || run.trace.State == StateRunning {
			run.trace.State = state
		}
	}
}

func stateForAbort(ctx context.Context, err error) NodeState {
	if ctx.Err() != nil {
		return StateCancelled
	}
	return StateSkipped
}

func classifyContextErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: request deadline exceeded", core.ErrTimeout)
	}
	return fmt.Errorf("%w: request cancelled", core.ErrContextCanceled)
}

func outcomeLabel(err error, result *ExecutionResult) string {
	switch {
	case err != nil:
		return "failed"
	case result.Partial:
		return "partial"
	case result.Clarification != nil:
		return "clarification"
	}
	return "succeeded"
}

// topoLayers groups nodes into dependency layers: every node's dependencies
// live in strictly earlier layers. Within a layer, plan order is preserved
// so merges are deterministic.
func topoLayers(plan *Plan) ([][]PlanNode, error) {
	dependsOn := make(map[string]map[string]bool)
	for _, edge := range plan.Edges() {
		if dependsOn[edge.To] == nil {
			dependsOn[edge.To] = make(map[string]bool)
		}
		dependsOn[edge.To][edge.From] = true
	}

	placed := make(map[string]bool, len(plan.Nodes))
	var layers [][]PlanNode
	remaining := len(plan.Nodes)

	for remaining > 0 {
		var layer []PlanNode
		for _, node := range plan.Nodes {
			if placed[node.ID] {
				continue
			}
			ready := true
			for dep := range dependsOn[node.ID] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, node)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("%w: plan has a dependency cycle", core.ErrPlanCyclic)
		}
		for _, node := range layer {
			placed[node.ID] = true
		}
		remaining -= len(layer)
		layers = append(layers, layer)
	}
	return layers, nil
}
