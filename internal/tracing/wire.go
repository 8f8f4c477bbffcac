package tracing

import (
	"context"
	"encoding/json"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/beamcode/beamcode/pkg/unified"
)

const (
	tracerName      = "beamcode-wire"
	maxAttrValueLen = 8192 // 8KB truncation for span event payloads
)

// wireDebug controls whether per-message wire spans are recorded.
// Enable via BEAMCODE_DEBUG_WIRE_MESSAGES=true in addition to the OTel
// endpoint; the volume is one span per backend frame.
var wireDebug = os.Getenv("BEAMCODE_DEBUG_WIRE_MESSAGES") == "true"

// WireTracer returns the tracer for per-message wire spans. No-op when
// wire debugging is off.
func WireTracer() trace.Tracer {
	if !wireDebug {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return Tracer(tracerName)
}

// TraceInbound records one span for a backend frame and its unified
// translation. Two events are attached: "raw" with the original wire JSON
// and "unified" with the translated messages, allowing side-by-side
// comparison in Jaeger/Tempo.
func TraceInbound(ctx context.Context, adapter, sessionID, eventType string, raw json.RawMessage, msgs []*unified.Message) {
	spanName := adapter + "." + eventType

	_, span := WireTracer().Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("adapter", adapter),
		attribute.String("session_id", sessionID),
		attribute.String("event_type", eventType),
	)

	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(raw), maxAttrValueLen)),
		))
	}

	if len(msgs) == 0 {
		span.AddEvent("unified", trace.WithAttributes(
			attribute.Bool("dropped", true),
		))
		return
	}
	if data, err := json.Marshal(msgs); err == nil {
		span.AddEvent("unified", trace.WithAttributes(
			attribute.String("data", truncate(string(data), maxAttrValueLen)),
		))
	}
}

// TraceSend starts a span for a message handed to a backend. The caller
// must call span.End() when the send completes, and may add attributes to
// record the outcome.
func TraceSend(ctx context.Context, adapter, sessionID, messageType string) (context.Context, trace.Span) {
	ctx, span := WireTracer().Start(ctx, adapter+".send."+messageType, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("adapter", adapter),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
