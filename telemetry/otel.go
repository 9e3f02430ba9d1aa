// Package telemetry adapts the globally installed OpenTelemetry providers to
// the core.Telemetry interface. Exporter and provider installation belong to
// the embedding process; this package only records through the otel API, so a
// process without an SDK installed gets the API's no-op behavior for free.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ezhong0/aiassistant-sub012/core"
)

// OTelProvider implements core.Telemetry with OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// NewOTelProvider creates a provider bound to the global otel tracer/meter
// providers under the given instrumentation name.
func NewOTelProvider(serviceName string) *OTelProvider {
	if serviceName == "" {
		serviceName = "assistant"
	}
	return &OTelProvider{
		tracer:   otel.Tracer(serviceName),
		meter:    otel.Meter(serviceName),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan starts a span and returns it wrapped in the core.Span interface
func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a counter-style metric with labels
func (p *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := p.counter(name)
	if err != nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (p *OTelProvider) counter(name string) (metric.Float64Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}

// otelSpan wraps an otel span in the core.Span interface
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}
