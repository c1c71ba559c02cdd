package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	slogloki "github.com/samber/slog-loki/v3"

	exporterotel "github.com/vovanwin/metrics-exporter/otel"
)

// Options параметры для создания логгера.
type Options struct {
	// Level уровень логирования: DEBUG, INFO, WARN, ERROR
	Level string
	// JSON если true — вывод в JSON (для прода), иначе текст (для локальной разработки)
	JSON bool
	// LokiEnabled включить отправку логов в Loki
	LokiEnabled bool
	// LokiURL URL Loki push API (напр. http://localhost:3100/loki/api/v1/push)
	LokiURL string
	// ServiceName имя сервиса для label service_name в Loki
	ServiceName string
	// TraceID добавлять trace_id, span_id и trace_sampled из контекста запроса
	TraceID bool
}

// NewLogger создаёт slog.Logger и устанавливает его как глобальный (slog.Default).
// Второй возврат — функция-closer для Loki client. Если Loki выключен — no-op.
func NewLogger(opts Options) (*slog.Logger, func()) {
	level := parseLevel(opts.Level)

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}

	var consoleHandler slog.Handler
	if opts.JSON {
		consoleHandler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	} else {
		consoleHandler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}

	closer := func() {}

	handler := consoleHandler

	if opts.LokiEnabled && opts.LokiURL != "" {
		if lokiHandler, stop, err := newLokiHandler(opts, level); err == nil {
			handler = newMultiHandler(consoleHandler, lokiHandler)
			closer = stop
		} else {
			slog.New(consoleHandler).Warn("loki disabled", slog.Any("error", err))
		}
	}

	if opts.TraceID {
		handler = exporterotel.NewSpanLogHandler(handler)
	}

	l := slog.New(handler)
	slog.SetDefault(l)

	return l, closer
}

// Discard возвращает логгер, который ничего не пишет.
// Используется как access log по умолчанию, чтобы не дублировать логи приложения.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newLokiHandler(opts Options, level slog.Level) (slog.Handler, func(), error) {
	lokiCfg, err := loki.NewDefaultConfig(opts.LokiURL)
	if err != nil {
		return nil, nil, err
	}
	lokiCfg.TenantID = ""
	lokiCfg.BatchWait = time.Second

	lokiClient, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, err
	}

	h := slogloki.Option{
		Level:  level,
		Client: lokiClient,
	}.NewLokiHandler()

	h = h.WithAttrs([]slog.Attr{
		slog.String("service_name", opts.ServiceName),
	})

	return h, lokiClient.Stop, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler рассылает записи во все вложенные handler'ы.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return newMultiHandler(hs...)
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return newMultiHandler(hs...)
}
