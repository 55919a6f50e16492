// Package telemetry defines the observability contracts consumed by the
// dispatch kernel, middlewares, transports and brokers: structured logging,
// metrics and tracing. Production wiring uses the Clue/OTEL implementations;
// tests and minimal deployments use the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with key-value pairs.
	// Implementations must be safe for concurrent use.
	Logger interface {
		// Debug emits a debug-level message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. Tags are flat key-value
	// string pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram sample.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a point-in-time gauge value.
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans. The interface mirrors the small
	// OTEL surface the framework needs so tests can substitute recorders.
	Tracer interface {
		// Start creates a span named name as a child of the span in ctx,
		// returning the context carrying the new span and its handle.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span retrieves the active span from ctx.
		Span(ctx context.Context) Span
	}

	// Span is the write-side handle of an active span.
	Span interface {
		// End finalizes the span.
		End(opts ...trace.SpanEndOption)
		// AddEvent records a named event with key-value attributes.
		AddEvent(name string, attrs ...any)
		// SetStatus sets the span status code and description.
		SetStatus(code codes.Code, description string)
		// RecordError records err as a span event.
		RecordError(err error, opts ...trace.EventOption)
	}
)
