package otel

import (
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// StartRuntimeMetrics запускает сбор Go runtime метрик (goroutines, heap, GC)
// через переданный MeterProvider. С мостом из InitMeter они попадают в скрейп.
func StartRuntimeMetrics(mp otelmetric.MeterProvider) error {
	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		return fmt.Errorf("start runtime metrics: %w", err)
	}
	return nil
}
