package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies spans emitted by the runner in the global otel
// registry. Callers that never configure an exporter still get a valid
// no-op tracer, matching the "off unless configured" ambient posture.
const tracerName = "github.com/fleetrunner/runnerd/runner"

// StartSpan starts a span named name and returns the derived context plus
// an end function. When no exporter is configured, otel's default no-op
// tracer makes this effectively free.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, func() { span.End() }
}

// SpanFromContext exposes the active span so callers can attach attributes
// without importing otel directly everywhere.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
