// OpenTelemetry tracing for shard sessions, event handlers and subsystems.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with bot-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include event payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Shard Spans ---

// ShardSpanOptions describes how a shard session ended.
type ShardSpanOptions struct {
	State     string
	Events    int64
	CloseSent bool
	CloseCode int
}

// StartShardSpan starts a span covering one shard session.
func (t *Tracer) StartShardSpan(ctx context.Context, shard string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shard.session",
		trace.WithAttributes(attribute.String("shard.id", shard)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndShardSpan completes a shard span.
func (t *Tracer) EndShardSpan(span trace.Span, opts ShardSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("shard.state", opts.State),
		attribute.Int64("shard.events", opts.Events),
		attribute.Bool("shard.close_sent", opts.CloseSent),
	)
	if opts.CloseCode != 0 {
		span.SetAttributes(attribute.Int("shard.close_code", opts.CloseCode))
	}
	endSpan(span, err)
}

// --- Handler Spans ---

// StartHandlerSpan starts a span for one event handler task.
func (t *Tracer) StartHandlerSpan(ctx context.Context, eventType, shard string, seq int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "event.handle",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("shard.id", shard),
			attribute.Int64("event.seq", seq),
		),
	)
}

// EndHandlerSpan completes a handler span. In debug mode the raw payload
// is attached, truncated.
func (t *Tracer) EndHandlerSpan(span trace.Span, payload []byte, err error) {
	if t.debug && len(payload) > 0 {
		span.SetAttributes(attribute.String("event.payload", truncate(string(payload), 2000)))
	}
	endSpan(span, err)
}

// --- Subsystem Spans ---

// StartSubsystemSpan starts a span for a supervised subsystem's lifetime.
func (t *Tracer) StartSubsystemSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "subsystem.run",
		trace.WithAttributes(attribute.String("subsystem.name", name)),
	)
}

// EndSubsystemSpan completes a subsystem span.
func (t *Tracer) EndSubsystemSpan(span trace.Span, firedShutdown bool, err error) {
	span.SetAttributes(attribute.Bool("subsystem.fired_shutdown", firedShutdown))
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
