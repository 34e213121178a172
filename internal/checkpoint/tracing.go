package checkpoint

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func (s *Saver) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// spanCollectiveAttrs annotates a collective span with the abort origin when
// the operation failed across ranks.
func spanCollectiveAttrs(span oteltrace.Span, err error) {
	var ce *CollectiveError
	if errors.As(err, &ce) {
		span.SetAttributes(
			attribute.String("checkpoint.collective.tag", ce.Tag),
			attribute.Int("checkpoint.collective.failed_rank", ce.Rank),
		)
	}
}
