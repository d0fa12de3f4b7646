package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "deltaview"

// TracingConfig configures the OpenTelemetry middleware.
type TracingConfig struct {
	// TracerName names the tracer resolved from the global provider.
	// Default: "deltaview".
	TracerName string

	// Filter decides which events to trace; nil traces everything.
	Filter func(info *EventInfo) bool

	// AttributeExtractor appends custom attributes to each span.
	AttributeExtractor func(info *EventInfo) []attribute.KeyValue
}

// TracingOption configures Tracing.
type TracingOption func(*TracingConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithEventFilter sets a per-event trace filter.
func WithEventFilter(filter func(info *EventInfo) bool) TracingOption {
	return func(c *TracingConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(fn func(info *EventInfo) []attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.AttributeExtractor = fn
	}
}

// Tracing returns middleware opening one span per dispatched event,
// named "deltaview.event", carrying the session id, view and event
// name, and after the pipeline runs, the patch sequence and size. The
// tracer comes from the global provider; configure that in main before
// serving.
func Tracing(opts ...TracingOption) Middleware {
	config := TracingConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	tracer := otel.Tracer(config.TracerName)

	return func(ctx context.Context, info *EventInfo, next func(context.Context) error) error {
		if config.Filter != nil && !config.Filter(info) {
			return next(ctx)
		}

		attrs := []attribute.KeyValue{
			attribute.String("deltaview.session_id", info.SessionID),
			attribute.String("deltaview.view", info.View),
			attribute.String("deltaview.event", info.Event),
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(info)...)
		}

		ctx, span := tracer.Start(ctx, "deltaview.event",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		err := next(ctx)

		span.SetAttributes(
			attribute.Int64("deltaview.seq", int64(info.Seq)),
			attribute.Int("deltaview.patch_bytes", info.PatchBytes),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
