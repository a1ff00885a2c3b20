package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names the bot in exported spans.
const DefaultServiceName = "overbot"

// Resource attribute keys describing the shard fleet.
const (
	AttrRunID       = attribute.Key("overbot.run_id")
	AttrFleetShards = attribute.Key("overbot.fleet.shards")
	AttrIntents     = attribute.Key("overbot.gateway.intents")
	AttrHeadless    = attribute.Key("overbot.headless")
)

// ProviderConfig configures span export for one bot process.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	// RunID is the process run id, also used as the service instance id.
	RunID string

	// Endpoint is the OTLP collector address. Empty falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	// Protocol is "grpc" (default) or "http".
	Protocol string
	Insecure bool
	Headers  map[string]string

	// SampleRatio keeps that fraction of root traces. Zero or >= 1 keeps all.
	SampleRatio float64
	// Debug attaches event payloads to handler spans.
	Debug bool

	// FleetShards is the configured shard total; zero means the gateway
	// recommendation and is not recorded.
	FleetShards int
	Intents     int
	Headless    bool

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// Provider owns the SDK tracer provider behind the bot's Tracer.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider installs an OTLP-exporting tracer provider as the global
// provider and returns it. Register OnShutdown as a telemetry-phase hook.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := collectorEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint not configured (set telemetry.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	res, err := fleetResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	exporter, err := spanExporter(ctx, endpoint, cfg)
	if err != nil {
		return nil, err
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFrom(tp, cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// collectorEndpoint resolves the collector address without a scheme.
func collectorEndpoint(configured string) string {
	endpoint := configured
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// fleetAttributes describe this process and its fleet.
func fleetAttributes(cfg ProviderConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		AttrHeadless.Bool(cfg.Headless),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.RunID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.RunID), AttrRunID.String(cfg.RunID))
	}
	if cfg.FleetShards > 0 {
		attrs = append(attrs, AttrFleetShards.Int(cfg.FleetShards))
	}
	if cfg.Intents != 0 {
		attrs = append(attrs, AttrIntents.Int(cfg.Intents))
	}
	return attrs
}

// fleetResource merges the fleet attributes with the SDK and environment
// detectors. Attributes are schemaless so the merge never conflicts.
func fleetResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(fleetAttributes(cfg)...),
	)
}

func spanExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q (use grpc or http)", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("span exporter (%s %s): %w", cfg.Protocol, endpoint, err)
	}
	return exporter, nil
}

// sampler keeps every trace unless ratio is strictly between 0 and 1.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

// Tracer returns the bot tracer backed by this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// OnShutdown flushes pending spans and stops the exporter.
func (p *Provider) OnShutdown(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		p.tp.Shutdown(ctx)
		return fmt.Errorf("flush spans: %w", err)
	}
	return p.tp.Shutdown(ctx)
}
