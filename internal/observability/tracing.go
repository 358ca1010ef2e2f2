package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation library in exported spans.
const tracerName = "github.com/weftwork/weft"

// Tracer wraps the globally configured OpenTelemetry tracer with helpers
// for the runtime's span shapes. Exporter setup is the embedding
// application's concern; with no SDK installed these are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer bound to the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartRun opens the root span for one message turn.
func (t *Tracer) StartRun(ctx context.Context, runID, sessionID, branchID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "weft.run",
		trace.WithAttributes(
			attribute.String("weft.run_id", runID),
			attribute.String("weft.session_id", sessionID),
			attribute.String("weft.branch_id", branchID),
		),
	)
}

// StartIteration opens a span for one loop iteration.
func (t *Tracer) StartIteration(ctx context.Context, iteration int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "weft.iteration",
		trace.WithAttributes(attribute.Int("weft.iteration", iteration)),
	)
}

// StartToolCall opens a span for one tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "weft.tool",
		trace.WithAttributes(
			attribute.String("weft.tool", tool),
			attribute.String("weft.call_id", callID),
		),
	)
}

// StartModelCall opens a span for one provider call.
func (t *Tracer) StartModelCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "weft.model_call",
		trace.WithAttributes(
			attribute.String("weft.provider", provider),
			attribute.String("weft.model", model),
		),
	)
}

// End finishes a span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
