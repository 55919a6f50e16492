package middleware

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/wire"
)

// Tracing returns a middleware that opens a server span per invocation,
// named "<actorID>.<targetIdentifier>". When the envelope carries a trace
// context the span joins the caller's trace as a remote child; otherwise it
// roots a new trace.
func Tracing(tracer telemetry.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			if inv.TraceContext != nil {
				if sc := inv.TraceContext.SpanContext(); sc.IsValid() {
					ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
				}
			}
			ctx, span := tracer.Start(ctx, inv.ActorID.ID+"."+inv.Target,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("actor.id", inv.ActorID.ID),
					attribute.String("actor.target", inv.Target),
				),
			)
			resp := next(ctx, inv, def)
			if resp.OK() {
				span.SetStatus(codes.Ok, "")
			} else {
				span.SetStatus(codes.Error, *resp.ErrorMessage)
			}
			span.End()
			return resp
		}
	}
}

// Metrics returns a middleware that counts invocations by actor, target and
// outcome, times them and records payload sizes.
func Metrics(metrics telemetry.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			start := time.Now()
			var inBytes int
			for _, arg := range inv.Arguments {
				inBytes += len(arg)
			}

			resp := next(ctx, inv, def)

			outcome := "success"
			if !resp.OK() {
				outcome = "failure"
			}
			tags := []string{"actor", inv.ActorID.ID, "target", inv.Target, "outcome", outcome}
			metrics.IncCounter("invocations_total", 1, tags...)
			metrics.RecordTimer("invocation_duration", time.Since(start), tags...)
			metrics.RecordGauge("invocation_request_bytes", float64(inBytes), tags...)
			metrics.RecordGauge("invocation_response_bytes", float64(len(resp.Result)), tags...)
			return resp
		}
	}
}

// Logging returns a middleware that logs each invocation and its outcome.
// Metadata values whose keys match redactKeys, compared case-insensitively,
// are replaced before emission.
func Logging(logger telemetry.Logger, redactKeys ...string) Middleware {
	redacted := make(map[string]struct{}, len(redactKeys))
	for _, k := range redactKeys {
		redacted[strings.ToLower(k)] = struct{}{}
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			start := time.Now()
			kvs := []any{
				"callID", inv.CallID.String(),
				"actor", inv.ActorID.ID,
				"target", inv.Target,
			}
			for k, v := range MetadataFrom(ctx) {
				if _, sensitive := redacted[strings.ToLower(k)]; sensitive {
					v = "[REDACTED]"
				}
				kvs = append(kvs, "meta."+k, v)
			}
			logger.Info(ctx, "invocation received", kvs...)

			resp := next(ctx, inv, def)

			kvs = append(kvs, "durationMS", time.Since(start).Milliseconds())
			if resp.OK() {
				logger.Info(ctx, "invocation succeeded", kvs...)
			} else {
				logger.Warn(ctx, "invocation failed", append(kvs, "err", *resp.ErrorMessage)...)
			}
			return resp
		}
	}
}
