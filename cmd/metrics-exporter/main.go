package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vovanwin/metrics-exporter/exporter"
	"github.com/vovanwin/metrics-exporter/logger"
	platformotel "github.com/vovanwin/metrics-exporter/otel"
	"github.com/vovanwin/metrics-exporter/registry"
	"github.com/vovanwin/metrics-exporter/server"
)

func main() {
	envFile := flag.String("env-file", ".env", "путь к .env файлу (если нет — игнорируется)")
	accessLog := flag.Bool("access-log", false, "писать access log скрейпов")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal("load %s: %v", *envFile, err)
	}

	log, closeLog := logger.NewLogger(logger.Options{
		Level:       os.Getenv("LOG_LEVEL"),
		JSON:        envBool("LOG_JSON"),
		LokiEnabled: os.Getenv("LOKI_URL") != "",
		LokiURL:     os.Getenv("LOKI_URL"),
		ServiceName: server.DefaultServiceName,
		TraceID:     true,
	})
	defer closeLog()

	cfg, err := server.ConfigFromEnv()
	if err != nil {
		fatal("config: %v", err)
	}
	cfg.ScrapeMetrics = true
	cfg.Tracing = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if *accessLog {
		cfg.AccessLog = log
	}

	reg := registry.Default()
	// go_* метрики приходят из OTEL runtime через мост, process_* — нативным коллектором.
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.SetDebug(envBool("PROMETHEUS_EXPORTER_DEBUG"))
	registerUptime(reg)

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxevent.SlogLogger{Logger: log} }),
		fx.Supply(cfg, log, reg),
		fx.Invoke(startTelemetry),
		server.NewModule(server.WithExporterOptions(
			exporter.WithRegistry(reg),
			exporter.WithErrorLog(log),
		)),
	)
	app.Run()
}

func startTelemetry(lc fx.Lifecycle, reg *registry.Registry, log *slog.Logger) {
	var provider *platformotel.Provider

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p, err := platformotel.Init(ctx, platformotel.Config{
				ServiceName: server.DefaultServiceName,
				Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			}, reg.Registerer())
			if err != nil {
				return err
			}
			provider = p

			if err := platformotel.StartRuntimeMetrics(p.MeterProvider); err != nil {
				log.Warn("runtime metrics disabled", slog.Any("error", err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if provider == nil {
				return nil
			}
			return provider.Shutdown(ctx)
		},
	})
}

func registerUptime(reg *registry.Registry) {
	started := time.Now()
	uptime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_exporter_uptime_seconds",
		Help: "Seconds since the exporter process started.",
	})
	reg.MustRegister(uptime)

	reg.OnCollect("uptime", func(context.Context) error {
		uptime.Set(time.Since(started).Seconds())
		return nil
	})
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
