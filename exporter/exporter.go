package exporter

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/vovanwin/metrics-exporter/registry"
)

// DefaultPath — путь экспозиции по умолчанию.
const DefaultPath = "/metrics"

// Error — ошибка сбора или рендера метрик во время скрейпа.
type Error struct {
	Op   string // "collect" или "render"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("metrics %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorHandler обрабатывает ошибку скрейпа.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// PanicErrorHandler пробрасывает ошибку паникой наверх, до слоя RecoveryMiddleware.
// Используется по умолчанию: ошибка не глотается и обрывает ответ целиком.
func PanicErrorHandler(_ http.ResponseWriter, _ *http.Request, err error) {
	panic(err)
}

// Option — функциональные опции для Handler.
type Option func(*Handler)

// WithPath задаёт путь экспозиции.
func WithPath(path string) Option {
	return func(h *Handler) { h.path = path }
}

// WithRegistry задаёт реестр. По умолчанию registry.Default().
func WithRegistry(reg *registry.Registry) Option {
	return func(h *Handler) { h.registry = reg }
}

// WithInclude ограничивает вывод перечисленными семействами метрик.
func WithInclude(names ...string) Option {
	return func(h *Handler) {
		if h.include == nil {
			h.include = make(map[string]struct{}, len(names))
		}
		for _, n := range names {
			h.include[n] = struct{}{}
		}
	}
}

// WithOpenMetrics разрешает формат OpenMetrics, если его запросил клиент.
func WithOpenMetrics(enabled bool) Option {
	return func(h *Handler) { h.openMetrics = enabled }
}

// WithErrorHandler переопределяет обработку ошибок сбора и рендера.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(h *Handler) { h.onError = fn }
}

// WithErrorLog задаёт логгер для внутренних ошибок promhttp.
func WithErrorLog(l *slog.Logger) Option {
	return func(h *Handler) { h.errorLog = l }
}

// Handler отдаёт снимок метрик на одном пути и передаёт остальные запросы дальше.
// Перед каждым рендером синхронно вызывает registry.CollectAll.
type Handler struct {
	next        http.Handler
	path        string
	registry    *registry.Registry
	include     map[string]struct{}
	openMetrics bool
	onError     ErrorHandler
	errorLog    *slog.Logger

	renderer http.Handler
}

// New создаёт Handler поверх next. next вызывается для всех запросов,
// путь которых не совпадает с путём экспозиции.
func New(next http.Handler, opts ...Option) *Handler {
	h := &Handler{
		next:    next,
		path:    DefaultPath,
		onError: PanicErrorHandler,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.registry == nil {
		h.registry = registry.Default()
	}

	handlerOpts := promhttp.HandlerOpts{
		ErrorHandling:      promhttp.PanicOnError,
		DisableCompression: true,
		EnableOpenMetrics:  h.openMetrics,
	}
	if h.errorLog != nil {
		handlerOpts.ErrorLog = slog.NewLogLogger(h.errorLog.Handler(), slog.LevelError)
	}

	h.renderer = promhttp.HandlerFor(h.gatherer(), handlerOpts)

	return h
}

// Middleware возвращает Handler в виде middleware для цепочки фильтров.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return New(next, opts...)
	}
}

// Path возвращает путь экспозиции.
func (h *Handler) Path() string {
	return h.path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if requestPath(r) != h.path {
		h.next.ServeHTTP(w, r)
		return
	}

	if err := h.registry.CollectAll(r.Context()); err != nil {
		h.onError(w, r, &Error{Op: "collect", Path: h.path, Err: err})
		return
	}

	if !h.registry.Debug() {
		h.render(w, r)
		return
	}

	start := time.Now()
	if h.render(w, r) {
		if obs := h.registry.RenderDuration(); obs != nil {
			obs.Observe(time.Since(start).Seconds())
		}
	}
}

// render отдаёт снимок. Паника promhttp при ошибке сбора превращается в *Error.
// Снимок рендерится в буфер и уходит клиенту только целиком: при ошибке
// кодирования в w не записано ни байта. Статус фиксируется явно, даже для пустого тела.
func (h *Handler) render(w http.ResponseWriter, r *http.Request) (ok bool) {
	var renderErr error
	buf := newSnapshotWriter()

	func() {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			err, isErr := rec.(error)
			if !isErr || errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			renderErr = err
		}()

		h.renderer.ServeHTTP(buf, r)
	}()

	if renderErr != nil {
		h.onError(w, r, &Error{Op: "render", Path: h.path, Err: renderErr})
		return false
	}

	buf.flushTo(w)
	return true
}

// snapshotWriter копит ответ рендерера в памяти.
type snapshotWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newSnapshotWriter() *snapshotWriter {
	return &snapshotWriter{header: make(http.Header)}
}

func (s *snapshotWriter) Header() http.Header {
	return s.header
}

func (s *snapshotWriter) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
}

func (s *snapshotWriter) Write(p []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.body.Write(p)
}

func (s *snapshotWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range s.header {
		dst[k] = v
	}

	code := s.code
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	_, _ = s.body.WriteTo(w)
}

func (h *Handler) gatherer() prometheus.Gatherer {
	g := h.registry.Gatherer()
	if len(h.include) == 0 {
		return g
	}

	include := h.include
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		mfs, err := g.Gather()
		filtered := mfs[:0]
		for _, mf := range mfs {
			if _, ok := include[mf.GetName()]; ok {
				filtered = append(filtered, mf)
			}
		}
		return filtered, err
	})
}

// requestPath возвращает путь запроса относительно точки монтирования.
// Под chi-саброутером это RoutePath, иначе путь из URL. Пустой путь
// (http.StripPrefix срезал его целиком) считается корнем.
func requestPath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath != "" {
		return rctx.RoutePath
	}
	if r.URL.RawPath != "" {
		return r.URL.RawPath
	}
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}
