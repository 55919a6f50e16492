package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/wire"
)

func newTestTracer() (telemetry.Tracer, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return telemetry.NewTracerWithProvider(tp), exporter
}

func TestTracingRecordsServerSpan(t *testing.T) {
	tracer, exporter := newTestTracer()
	h := Chain(okHandler, Tracing(tracer))

	resp := h(context.Background(), testInvocation("add"), nil)
	require.True(t, resp.OK())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "calc.add", span.Name)
	require.Equal(t, trace.SpanKindServer, span.SpanKind)
	require.Equal(t, codes.Ok, span.Status.Code)

	attrs := make(map[string]string)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	require.Equal(t, "calc", attrs["actor.id"])
	require.Equal(t, "add", attrs["actor.target"])
}

func TestTracingJoinsRemoteTrace(t *testing.T) {
	tracer, exporter := newTestTracer()
	h := Chain(okHandler, Tracing(tracer))

	inv := testInvocation("add")
	inv.TraceContext = &wire.TraceContext{
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:  "00f067aa0ba902b7",
	}
	h(context.Background(), inv, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, inv.TraceContext.TraceID, spans[0].SpanContext.TraceID().String())
	require.Equal(t, inv.TraceContext.SpanID, spans[0].Parent.SpanID().String())
}

func TestTracingMarksFailures(t *testing.T) {
	tracer, exporter := newTestTracer()
	failing := func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
		return wire.FailureResponse(inv.CallID, "boom")
	}
	h := Chain(failing, Tracing(tracer))

	h(context.Background(), testInvocation("add"), nil)
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "boom", spans[0].Status.Description)
}

// captureMetrics records every metric call for assertions.
type captureMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]int
	gauges   map[string]float64
	tags     map[string][]string
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{
		counters: make(map[string]float64),
		timers:   make(map[string]int),
		gauges:   make(map[string]float64),
		tags:     make(map[string][]string),
	}
}

func (m *captureMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
	m.tags[name] = tags
}

func (m *captureMetrics) RecordTimer(name string, _ time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[name]++
	m.tags[name] = tags
}

func (m *captureMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
	m.tags[name] = tags
}

func TestMetricsMiddleware(t *testing.T) {
	metrics := newCaptureMetrics()
	h := Chain(okHandler, Metrics(metrics))

	inv := testInvocation("add")
	inv.Arguments = [][]byte{[]byte(`2`), []byte(`3`)}
	h(context.Background(), inv, nil)

	require.InDelta(t, 1, metrics.counters["invocations_total"], 0.01)
	require.Equal(t, 1, metrics.timers["invocation_duration"])
	require.InDelta(t, 2, metrics.gauges["invocation_request_bytes"], 0.01)
	require.Contains(t, metrics.tags["invocations_total"], "success")
}

func TestMetricsMiddlewareTagsFailures(t *testing.T) {
	metrics := newCaptureMetrics()
	failing := func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
		return wire.FailureResponse(inv.CallID, "boom")
	}
	h := Chain(failing, Metrics(metrics))

	h(context.Background(), testInvocation("add"), nil)
	require.Contains(t, metrics.tags["invocations_total"], "failure")
}

// captureLogger records structured log calls.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
	kvs   []any
}

func (l *captureLogger) log(level, msg string, kvs []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, kvs: kvs})
}

func (l *captureLogger) Debug(_ context.Context, msg string, kvs ...any) { l.log("debug", msg, kvs) }
func (l *captureLogger) Info(_ context.Context, msg string, kvs ...any)  { l.log("info", msg, kvs) }
func (l *captureLogger) Warn(_ context.Context, msg string, kvs ...any)  { l.log("warn", msg, kvs) }
func (l *captureLogger) Error(_ context.Context, msg string, kvs ...any) { l.log("error", msg, kvs) }

func kvMap(kvs []any) map[string]any {
	out := make(map[string]any)
	for i := 0; i+1 < len(kvs); i += 2 {
		out[kvs[i].(string)] = kvs[i+1]
	}
	return out
}

func TestLoggingRedactsSensitiveMetadata(t *testing.T) {
	logger := &captureLogger{}
	h := Chain(okHandler, Logging(logger, "Authorization", "x-api-key"))

	ctx := WithMetadata(context.Background(), Metadata{
		"authorization": "Bearer secret",
		"X-API-KEY":     "k1",
		"request-id":    "r-42",
	})
	h(ctx, testInvocation("add"), nil)

	require.Len(t, logger.entries, 2)
	kvs := kvMap(logger.entries[0].kvs)
	require.Equal(t, "[REDACTED]", kvs["meta.authorization"])
	require.Equal(t, "[REDACTED]", kvs["meta.X-API-KEY"])
	require.Equal(t, "r-42", kvs["meta.request-id"])
}

func TestLoggingWarnsOnFailure(t *testing.T) {
	logger := &captureLogger{}
	failing := func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
		return wire.FailureResponse(inv.CallID, "boom")
	}
	h := Chain(failing, Logging(logger))

	h(context.Background(), testInvocation("add"), nil)
	require.Len(t, logger.entries, 2)
	require.Equal(t, "warn", logger.entries[1].level)
	require.Equal(t, "boom", kvMap(logger.entries[1].kvs)["err"])
}
