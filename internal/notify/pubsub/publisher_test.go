package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "runs", map[string]string{"a": "b"})
	require.ErrorContains(t, err, "not configured")
}

func TestCarrierInjectsTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	attrs := carrier{}
	propagation.TraceContext{}.Inject(ctx, attrs)
	require.NotEmpty(t, attrs.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, attrs.Keys())

	extracted := propagation.TraceContext{}.Extract(context.Background(), attrs)
	require.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}
