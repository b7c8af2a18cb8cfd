package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/medrex/nuvora-ehr"

// TracingConfig holds tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	Environment    string
	SamplingRate   float64
}

// TracingManager owns the tracer provider installed as the global provider
type TracingManager struct {
	config   *TracingConfig
	provider *sdktrace.TracerProvider
}

// NewTracingManager creates a Jaeger-backed tracer provider and installs it
// globally. With an empty endpoint the global no-op provider stays in place.
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	if config.JaegerEndpoint == "" {
		return &TracingManager{config: config}, nil
	}

	// Create Jaeger exporter
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Create resource
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		config:   config,
		provider: tp,
	}, nil
}

// Shutdown flushes and stops the tracing provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm == nil || tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartHTTPSpan starts a span for HTTP requests
func StartHTTPSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(route),
		),
	)
}

// StartDatabaseSpan starts a span for database operations
func StartDatabaseSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("db.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBOperation(operation),
			semconv.DBSQLTable(table),
		),
	)
}

// StartLedgerSpan starts a span for ledger operations
func StartLedgerSpan(ctx context.Context, chaincode, function, kind string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("ledger.%s.%s", chaincode, function),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ledger.chaincode", chaincode),
			attribute.String("ledger.function", function),
			attribute.String("ledger.kind", kind),
		),
	)
}

// StartContentSpan starts a span for content store operations
func StartContentSpan(ctx context.Context, operation, hash string) (context.Context, trace.Span) {
	return tracer().Start(ctx, fmt.Sprintf("content.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("content.operation", operation),
			attribute.String("content.hash", hash),
		),
	)
}

// RecordError records an error in the span
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext extracts trace ID from context
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
