package otel

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// durationBuckets — границы бакетов гистограммы длительности скрейпа (секунды).
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// otherRoute — значение лейбла route для запросов мимо пути экспозиции.
const otherRoute = "other"

type statusResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ScrapeMetricsMiddleware считает запросы к серверу метрик:
//   - {appName}.scrape.requests.total — счётчик запросов (route, status_code)
//   - {appName}.scrape.duration — гистограмма полного времени ответа: сбор + рендер (route)
//   - {appName}.scrape.inflight — скрейпы в процессе
//
// route равен path для запросов экспозиции и "other" для остальных,
// чтобы произвольные пути не раздували кардинальность.
func ScrapeMetricsMiddleware(appName, path string) func(http.Handler) http.Handler {
	meter := otel.Meter(appName)

	requestsTotal, _ := meter.Int64Counter(
		appName+".scrape.requests.total",
		otelmetric.WithDescription("Total number of requests to the metrics server"),
	)

	duration, _ := meter.Float64Histogram(
		appName+".scrape.duration",
		otelmetric.WithDescription("Scrape duration in seconds, collection included"),
		otelmetric.WithUnit("s"),
		otelmetric.WithExplicitBucketBoundaries(durationBuckets...),
	)

	inflight, _ := meter.Int64UpDownCounter(
		appName+".scrape.inflight",
		otelmetric.WithDescription("Number of in-flight scrapes"),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := otherRoute
			if r.URL.Path == path {
				route = path
			}
			routeAttrs := otelmetric.WithAttributes(attribute.String("route", route))

			inflight.Add(r.Context(), 1, routeAttrs)
			defer inflight.Add(r.Context(), -1, routeAttrs)

			start := time.Now()
			sw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			requestsTotal.Add(r.Context(), 1, otelmetric.WithAttributes(
				attribute.String("route", route),
				attribute.String("status_code", strconv.Itoa(sw.status)),
			))
			duration.Record(r.Context(), time.Since(start).Seconds(), routeAttrs)
		})
	}
}
