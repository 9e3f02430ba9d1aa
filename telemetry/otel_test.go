package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTelProviderSpanLifecycle(t *testing.T) {
	p := NewOTelProvider("assistant-test")

	ctx, span := p.StartSpan(context.Background(), "test.operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	// No SDK installed: everything must be a safe no-op
	span.SetAttribute("request_id", "r1")
	span.SetAttribute("node_count", 3)
	span.SetAttribute("best_effort", true)
	span.SetAttribute("score", 0.5)
	span.SetAttribute("weird", struct{ X int }{1})
	span.RecordError(errors.New("boom"))
	span.RecordError(nil)
	span.End()
}

func TestOTelProviderMetrics(t *testing.T) {
	p := NewOTelProvider("")

	p.RecordMetric("orchestrator.requests.total", 1, map[string]string{"mode": "plan"})
	p.RecordMetric("orchestrator.requests.total", 1, nil)

	// Counter instances are reused per name
	c1, err := p.counter("x")
	require.NoError(t, err)
	c2, err := p.counter("x")
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}
