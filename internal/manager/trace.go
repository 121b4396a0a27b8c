package manager

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/DEVIL0924/devil-cloud-advanced/internal/manager")

func startSpan(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "bot."+op, trace.WithAttributes(attribute.String("bot.id", id)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
