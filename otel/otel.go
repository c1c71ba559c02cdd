package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const (
	defaultTimeout              = 5 * time.Second
	defaultCompressor           = "gzip"
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 5 * time.Second
	defaultRetryMaxElapsedTime  = 30 * time.Second
)

// Config — конфигурация OTEL провайдеров экспортера.
type Config struct {
	// ServiceName имя сервиса для атрибутов ресурса.
	ServiceName string
	// Endpoint адрес OTLP коллектора (напр. "localhost:4317").
	// Если пусто, OTLP выключен и метрики доступны только через скрейп.
	Endpoint string
	// SampleRate процент трейсов для сохранения (0.0–1.0). 0 означает 1.0 (100%).
	SampleRate float64
}

func (c Config) sampleRate() float64 {
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return 1.0
	}
	return c.SampleRate
}

// Provider хранит OTEL провайдеры для graceful shutdown.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// Init поднимает MeterProvider (с мостом в reg) и, если задан Endpoint, TracerProvider.
func Init(ctx context.Context, cfg Config, reg promclient.Registerer) (*Provider, error) {
	p := &Provider{}

	mp, err := InitMeter(ctx, cfg, reg)
	if err != nil {
		return nil, err
	}
	p.MeterProvider = mp

	if cfg.Endpoint != "" {
		tp, err := InitTracer(ctx, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.TracerProvider = tp
	}

	return p, nil
}

// Shutdown корректно завершает работу всех провайдеров.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("otel shutdown: %w", err)
	}

	return nil
}

// InitTracer поднимает глобальный TracerProvider для спанов скрейпа.
// Спаны уходят батчами в OTLP коллектор cfg.Endpoint, входящий traceparent продолжает трейс.
func InitTracer(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exp, err := newTraceExporter(ctx, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp,
			sdktrace.WithExportTimeout(defaultTimeout),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())

	return tp, nil
}

// Propagator возвращает пропагатор W3C trace context и baggage.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(defaultTimeout),
		otlptracegrpc.WithCompressor(defaultCompressor),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: defaultRetryInitialInterval,
			MaxInterval:     defaultRetryMaxInterval,
			MaxElapsedTime:  defaultRetryMaxElapsedTime,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter %s: %w", endpoint, err)
	}
	return exp, nil
}

// sampler уважает решение родителя, корневые скрейпы сэмплирует по SampleRate.
func (c Config) sampler() sdktrace.Sampler {
	rate := c.sampleRate()
	if rate == 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// InitMeter инициализирует глобальный MeterProvider.
// OTEL-инструменты попадают в reg через Prometheus reader и отдаются тем же скрейпом,
// что и нативные метрики. При заданном Endpoint дополнительно пушатся в OTLP.
func InitMeter(ctx context.Context, cfg Config, reg promclient.Registerer) (*metric.MeterProvider, error) {
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []metric.Option{
		metric.WithReader(promExporter),
		metric.WithResource(res),
	}

	if cfg.Endpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithTimeout(defaultTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(otlpExporter)))
	}

	mp := metric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	return mp, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}
