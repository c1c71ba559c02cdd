package registry

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// renderDurationBuckets — границы бакетов гистограммы времени рендера (секунды).
var renderDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

const (
	renderDurationName = "prometheus_exporter_render_duration_seconds"
	renderDurationHelp = "Time required to render all metrics in Prometheus format"
)

// CollectFunc — колбэк вычисления метрик по требованию (перед каждым скрейпом).
type CollectFunc func(ctx context.Context) error

type collectHook struct {
	name string
	fn   CollectFunc
}

// Registry — хранилище метрик процесса поверх prometheus.Registry
// с колбэками сбора и debug-режимом.
type Registry struct {
	reg *prometheus.Registry

	mu    sync.RWMutex
	hooks []collectHook

	debug          atomic.Bool
	renderOnce     sync.Once
	renderBuckets  []float64
	renderDuration atomic.Pointer[prometheus.Histogram]
}

// Option — функциональные опции для Registry.
type Option func(*options)

type options struct {
	goCollector      bool
	processCollector bool
	debug            bool
	renderBuckets    []float64
}

// WithGoCollector регистрирует стандартные go_* метрики.
func WithGoCollector() Option {
	return func(o *options) { o.goCollector = true }
}

// WithProcessCollector регистрирует стандартные process_* метрики.
func WithProcessCollector() Option {
	return func(o *options) { o.processCollector = true }
}

// WithDebug включает debug-режим сразу при создании.
func WithDebug(enabled bool) Option {
	return func(o *options) { o.debug = enabled }
}

// WithRenderBuckets переопределяет бакеты гистограммы времени рендера.
func WithRenderBuckets(buckets []float64) Option {
	return func(o *options) { o.renderBuckets = buckets }
}

// New создаёт пустой реестр.
func New(opts ...Option) *Registry {
	o := options{renderBuckets: renderDurationBuckets}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{
		reg:           prometheus.NewRegistry(),
		renderBuckets: o.renderBuckets,
	}

	if o.goCollector {
		r.reg.MustRegister(collectors.NewGoCollector())
	}
	if o.processCollector {
		r.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if o.debug {
		r.SetDebug(true)
	}

	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default возвращает общий для процесса реестр. Создаётся один раз при первом вызове.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// Registerer возвращает prometheus.Registerer для регистрации метрик.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Gatherer возвращает prometheus.Gatherer текущего состояния.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Register регистрирует коллектор.
func (r *Registry) Register(c prometheus.Collector) error {
	if err := r.reg.Register(c); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}
	return nil
}

// MustRegister регистрирует коллекторы и паникует при ошибке.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// OnCollect добавляет колбэк, вызываемый при каждом CollectAll.
// Колбэки выполняются в порядке добавления.
func (r *Registry) OnCollect(name string, fn CollectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, collectHook{name: name, fn: fn})
}

// CollectAll синхронно выполняет все колбэки сбора ровно один раз.
// Первая ошибка прерывает сбор и возвращается вызывающему.
func (r *Registry) CollectAll(ctx context.Context) error {
	r.mu.RLock()
	hooks := make([]collectHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			return fmt.Errorf("collect %q: %w", h.name, err)
		}
	}

	return nil
}

// Render сериализует текущее состояние реестра в текстовый формат Prometheus 0.0.4.
func (r *Registry) Render() (string, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}

	return buf.String(), nil
}

// SetDebug переключает debug-режим. При первом включении регистрируется
// гистограмма времени рендера.
func (r *Registry) SetDebug(enabled bool) {
	if enabled {
		r.renderOnce.Do(r.registerRenderDuration)
	}
	r.debug.Store(enabled)
}

// Debug сообщает, включён ли debug-режим.
func (r *Registry) Debug() bool {
	return r.debug.Load()
}

// RenderDuration возвращает гистограмму времени рендера или nil,
// если debug-режим ни разу не включался.
func (r *Registry) RenderDuration() prometheus.Observer {
	h := r.renderDuration.Load()
	if h == nil {
		return nil
	}
	return *h
}

func (r *Registry) registerRenderDuration() {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    renderDurationName,
		Help:    renderDurationHelp,
		Buckets: r.renderBuckets,
	})
	r.reg.MustRegister(h)
	r.renderDuration.Store(&h)
}
