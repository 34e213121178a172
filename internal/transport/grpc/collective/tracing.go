package collectivegrpc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

func roundAttrs(seq uint64, kind uint32, tag string, rank uint32) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("collective.rank", int(rank)),
	}
	if seq != 0 {
		attrs = append(attrs,
			attribute.Int64("collective.seq", int64(seq)),
			attribute.String("collective.kind", kindName(kind)),
			attribute.String("collective.tag", tag),
		)
	}
	return attrs
}

func (h *Hub) startSpan(ctx context.Context, name string, seq uint64, kind uint32, tag string, rank uint32) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return h.tracer.Start(ctx, name, oteltrace.WithAttributes(roundAttrs(seq, kind, tag, rank)...))
}

func (g *Group) startSpan(ctx context.Context, name string, seq uint64, kind uint32, tag string) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return g.tracer.Start(ctx, name, oteltrace.WithAttributes(roundAttrs(seq, kind, tag, uint32(g.rank))...))
}
