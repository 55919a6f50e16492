package wire

import (
	"go.opentelemetry.io/otel/trace"
)

// TraceContext propagates a caller's trace across an invocation. IDs use the
// W3C hex encodings: 32 hex characters for the trace, 16 for spans.
type TraceContext struct {
	// TraceID is the 128-bit trace identifier.
	TraceID string `json:"traceID"`
	// SpanID is the 64-bit identifier of the caller's span.
	SpanID string `json:"spanID"`
	// ParentSpanID optionally carries the caller's parent span.
	ParentSpanID string `json:"parentSpanID,omitempty"`
}

// TraceContextFromSpan captures the span context of ctx's active span, or nil
// when the span context is invalid.
func TraceContextFromSpan(sc trace.SpanContext) *TraceContext {
	if !sc.IsValid() {
		return nil
	}
	return &TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// SpanContext converts the wire form back into an OTEL remote span context.
// It returns an invalid (zero) context when the IDs do not parse, letting
// middleware fall back to starting a root span.
func (tc *TraceContext) SpanContext() trace.SpanContext {
	traceID, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return trace.SpanContext{}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}
