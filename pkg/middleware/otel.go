package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiflow80/aiflow/pkg/flow"
	"github.com/aiflow80/aiflow/pkg/protocol"
)

const defaultTracerName = "aiflow"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "aiflow").
	TracerName string

	// Filter determines which frames to trace. Return true to trace the
	// frame, false to skip. If nil, all frames are traced.
	Filter func(f *protocol.Frame) bool

	// AttributeExtractor extracts custom attributes per frame.
	AttributeExtractor func(f *protocol.Frame) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithFrameFilter sets a filter function for frames.
func WithFrameFilter(filter func(f *protocol.Frame) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(f *protocol.Frame) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OpenTelemetry creates middleware that traces every inbound frame.
//
// The middleware creates a span per frame with the frame type and sender
// identity, records handler errors, and sets span status. The tracer comes
// from the global OpenTelemetry tracer provider; configure it in main()
// before starting the app.
func OpenTelemetry(opts ...OTelOption) flow.Middleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(next flow.Handler) flow.Handler {
		return func(ctx context.Context, f *protocol.Frame) error {
			if config.Filter != nil && !config.Filter(f) {
				return next(ctx, f)
			}

			attrs := []attribute.KeyValue{
				attribute.String("aiflow.frame_type", string(f.Type)),
			}
			if f.SenderID != "" {
				attrs = append(attrs, attribute.String("aiflow.sender_id", f.SenderID))
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(f)...)
			}

			spanCtx, span := config.tracer.Start(
				ctx,
				"aiflow."+string(f.Type),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
				trace.WithTimestamp(time.Now()),
			)
			defer span.End()

			err := next(spanCtx, f)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}
