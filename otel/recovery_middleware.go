package otel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RecoveryMiddleware превращает панику ниже по цепочке (в т.ч. ошибку сбора метрик)
// в диагностический ответ 500 вместо падения соединения.
// Stack trace пишется в спан, в лог и в тело ответа.
// Если заголовки уже отправлены, ответ не трогается — только лог и метрика.
func RecoveryMiddleware(appName string) func(http.Handler) http.Handler {
	meter := otel.Meter(appName)
	panicsTotal, _ := meter.Int64Counter(
		appName+".http.panics.total",
		otelmetric.WithDescription("Total number of recovered panics"),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				stack := debug.Stack()

				span := trace.SpanFromContext(r.Context())
				span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", rec))
				span.SetAttributes(attribute.String("panic.stack", string(stack)))

				panicsTotal.Add(r.Context(), 1, otelmetric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", r.URL.Path),
				))

				slog.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(stack)),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)

				if sw.wroteHeader {
					return
				}

				w.Header().Del("Content-Encoding")
				w.Header().Del("Content-Length")
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(diagnosticBody(r, rec, stack)))
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

func diagnosticBody(r *http.Request, rec any, stack []byte) string {
	var b strings.Builder
	b.WriteString("Internal Server Error\n\n")
	fmt.Fprintf(&b, "%s %s\n", r.Method, r.URL.Path)
	fmt.Fprintf(&b, "%T: %v\n\n", rec, rec)
	b.Write(stack)
	return b.String()
}
