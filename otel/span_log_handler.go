package otel

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Ключи, под которыми контекст спана попадает в запись лога.
const (
	LogKeyTraceID = "trace_id"
	LogKeySpanID  = "span_id"
	LogKeySampled = "trace_sampled"
)

// SpanLogHandler дописывает к записи контекст активного спана скрейпа.
// Запись, где trace_id уже проставлен вызывающим кодом, не трогается.
type SpanLogHandler struct {
	next slog.Handler
}

func NewSpanLogHandler(next slog.Handler) *SpanLogHandler {
	if h, ok := next.(*SpanLogHandler); ok {
		return h
	}
	return &SpanLogHandler{next: next}
}

func (h *SpanLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SpanLogHandler) Handle(ctx context.Context, record slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || hasAttr(record, LogKeyTraceID) {
		return h.next.Handle(ctx, record)
	}

	record = record.Clone()
	record.AddAttrs(
		slog.String(LogKeyTraceID, sc.TraceID().String()),
		slog.String(LogKeySpanID, sc.SpanID().String()),
		slog.Bool(LogKeySampled, sc.IsSampled()),
	)
	return h.next.Handle(ctx, record)
}

func (h *SpanLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SpanLogHandler{next: h.next.WithAttrs(attrs)}
}

func (h *SpanLogHandler) WithGroup(name string) slog.Handler {
	return &SpanLogHandler{next: h.next.WithGroup(name)}
}

func hasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
