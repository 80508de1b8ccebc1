// Package observability provides OpenTelemetry tracing for pipeline runs.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer trace.Tracer
	meter  metric.Meter

	initOnce sync.Once
)

// TracingConfig contains tracing configuration.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

// DefaultTracingConfig returns tracing defaults for the given service.
func DefaultTracingConfig(serviceName, version string) TracingConfig {
	return TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    "development",
		SamplingRate:   0.1,
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Initialize sets up the global tracer provider. Spans are exported to
// stdout; sampling is controlled by config.SamplingRate. Subsequent calls
// are no-ops.
func Initialize(config TracingConfig) error {
	var err error

	initOnce.Do(func() {
		res, rerr := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(config.ServiceName),
				semconv.ServiceVersionKey.String(config.ServiceVersion),
				semconv.DeploymentEnvironmentKey.String(config.Environment),
			),
		)
		if rerr != nil {
			err = fmt.Errorf("failed to create resource: %w", rerr)
			return
		}

		exporter, xerr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if xerr != nil {
			err = fmt.Errorf("failed to create stdout exporter: %w", xerr)
			return
		}

		var sampler sdktrace.Sampler
		switch {
		case config.SamplingRate <= 0:
			sampler = sdktrace.NeverSample()
		case config.SamplingRate >= 1.0:
			sampler = sdktrace.AlwaysSample()
		default:
			sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
			sdktrace.WithBatcher(exporter,
				sdktrace.WithBatchTimeout(config.BatchTimeout),
				sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
				sdktrace.WithMaxQueueSize(config.MaxQueueSize),
			),
		)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		tracer = tp.Tracer(config.ServiceName)
		meter = otel.Meter(config.ServiceName)
	})

	return err
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer: %w", err)
		}
	}
	return nil
}

// GetTracer returns the global tracer, falling back to the otel default
// when Initialize has not been called.
func GetTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer("strata")
	}
	return tracer
}

// GetMeter returns the global meter.
func GetMeter() metric.Meter {
	if meter == nil {
		return otel.Meter("strata")
	}
	return meter
}

// Span wraps an otel span and batches attributes until End.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// NewSpan starts a span for the given operation.
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)

	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetStatus sets the span status.
func (s *Span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// End flushes batched attributes and ends the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// StageTracer traces the stages of a single pipeline run.
type StageTracer struct {
	pipeline string
	loadID   string
}

// NewStageTracer creates a tracer for one pipeline run.
func NewStageTracer(pipeline, loadID string) *StageTracer {
	return &StageTracer{pipeline: pipeline, loadID: loadID}
}

// TraceStage runs fn inside a span named after the pipeline stage.
// The returned context carries the span and must be used by fn.
func (st *StageTracer) TraceStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, span := NewSpan(ctx, fmt.Sprintf("pipeline.%s.%s", st.pipeline, stage))
	defer span.End()

	span.SetAttribute("pipeline.name", st.pipeline)
	span.SetAttribute("pipeline.load_id", st.loadID)
	span.SetAttribute("pipeline.stage", stage)

	err := fn(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttribute("error", true)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}
