package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestStartSpan(t *testing.T) {
	exporter := newTestTracer(t)

	ctx := WithLaneID(context.Background(), "lane-A")
	ctx = WithCallID(ctx, "call-1")

	ctx, span := StartSpan(ctx, "timus.test", "lane.execute", attribute.String("tool", "echo"))
	span.End()

	assert.NotEmpty(t, GetTraceID(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "lane.execute", spans[0].Name)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "echo", attrs["tool"])
	assert.Equal(t, "lane-A", attrs["lane_id"])
	assert.Equal(t, "call-1", attrs["call_id"])
}

func TestStartSpan_NilContext(t *testing.T) {
	newTestTracer(t)

	ctx, span := StartSpan(nil, "timus.test", "orphan") //nolint:staticcheck
	defer span.End()

	assert.NotNil(t, ctx)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithLaneID(context.Background(), "lane-A")
	ctx = WithCallID(ctx, "call-7")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("dispatch")

	assert.Contains(t, buf.String(), `"lane_id":"lane-A"`)
	assert.Contains(t, buf.String(), `"call_id":"call-7"`)
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestInitOpenTelemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	InitOpenTelemetry("timus-test", sdktrace.NewSimpleSpanProcessor(exporter))
	InitOpenTelemetry("ignored")

	_, span := StartSpan(context.Background(), "timus.test", "after-init")
	span.End()

	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
