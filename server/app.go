package server

import (
	"compress/flate"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vovanwin/metrics-exporter/exporter"
	"github.com/vovanwin/metrics-exporter/logger"
	platformotel "github.com/vovanwin/metrics-exporter/otel"
)

// Filter — звено цепочки: оборачивает следующий handler.
type Filter func(http.Handler) http.Handler

// Filters собирает упорядоченную цепочку фильтров приложения:
// трейсинг (опционально), сжатие (опционально), access log, метрики скрейпов (опционально),
// перехват паник, обработчик экспозиции. Первый фильтр внешний.
func Filters(cfg Config) []Filter {
	var filters []Filter

	if cfg.Tracing {
		filters = append(filters, platformotel.TracingMiddleware(cfg.serviceName()))
	}

	if cfg.Compress {
		level := cfg.CompressLevel
		if level == flate.NoCompression {
			level = flate.DefaultCompression
		}
		filters = append(filters, middleware.Compress(level))
	}

	filters = append(filters, accessLog(cfg.AccessLog))

	if cfg.ScrapeMetrics {
		filters = append(filters, platformotel.ScrapeMetricsMiddleware(cfg.serviceName(), cfg.path()))
	}

	exporterOpts := append([]exporter.Option{exporter.WithPath(cfg.path())}, cfg.Exporter...)

	filters = append(filters,
		platformotel.RecoveryMiddleware(cfg.serviceName()),
		exporter.Middleware(exporterOpts...),
	)

	return filters
}

// NewApplication собирает цепочку Filters поверх терминального 404.
func NewApplication(cfg Config) http.Handler {
	filters := Filters(cfg)

	mws := make(chi.Middlewares, 0, len(filters))
	for _, f := range filters {
		mws = append(mws, f)
	}

	return mws.Handler(exporter.NotFound)
}

func accessLog(l *slog.Logger) Filter {
	if l == nil {
		l = logger.Discard()
	}

	return middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(l.Handler(), slog.LevelInfo),
		NoColor: true,
	})
}
