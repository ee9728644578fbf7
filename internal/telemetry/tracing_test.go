package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogProcessorLogsEndedSpans(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewLogProcessor(zap.New(core))))
	defer func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	}()

	_, span := tp.Tracer("test").Start(context.Background(), "worker.task")
	span.SetAttributes(attribute.String("task.id", "task-0001"))
	span.End()

	entries := logs.FilterMessage("span ended").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "worker.task", fields["span"])
	require.Equal(t, "task-0001", fields["attr.task.id"])
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "ugcledger", Version: "test", SampleRatio: 1})
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
