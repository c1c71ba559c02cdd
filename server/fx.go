package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"go.uber.org/fx"

	"github.com/vovanwin/metrics-exporter/exporter"
)

// moduleParams — зависимости серверного модуля.
type moduleParams struct {
	fx.In

	LC  fx.Lifecycle
	Cfg Config
	Log *slog.Logger
}

// Option — функциональные опции поверх Config, которую предоставил потребитель.
type Option func(*Config)

// WithExporterOptions добавляет опции обработчика экспозиции.
func WithExporterOptions(opts ...exporter.Option) Option {
	return func(c *Config) {
		c.Exporter = append(c.Exporter, opts...)
	}
}

// WithAccessLog задаёт приёмник access-лога.
func WithAccessLog(l *slog.Logger) Option {
	return func(c *Config) {
		c.AccessLog = l
	}
}

// WithRunner переопределяет раннер сервера.
func WithRunner(r Runner) Option {
	return func(c *Config) {
		c.Runner = r
	}
}

// WithBanner печатает баннер с адресом метрик при старте.
func WithBanner(w io.Writer) Option {
	return func(c *Config) {
		c.banner = w
	}
}

// NewModule создаёт fx.Module сервера метрик.
// Потребитель должен предоставить server.Config и *slog.Logger через fx.Provide.
func NewModule(opts ...Option) fx.Option {
	return fx.Module("metrics_server",
		fx.Invoke(func(p moduleParams) {
			cfg := p.Cfg
			for _, opt := range opts {
				opt(&cfg)
			}

			var s *Server

			p.LC.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					s = Start(ctx, cfg, p.Log)

					select {
					case <-s.Ready():
						printBanner(cfg, s.Addr())
						return nil
					case <-s.Done():
						// Раннер недоступен: Start уже предупредил, старт не фатален.
						return s.Err()
					case <-ctx.Done():
						return ctx.Err()
					}
				},
				OnStop: func(ctx context.Context) error {
					if s == nil {
						return nil
					}
					return s.Stop(ctx)
				},
			})
		}),
	)
}

func printBanner(cfg Config, addr net.Addr) {
	w := cfg.banner
	if w == nil {
		w = os.Stdout
	}

	host, port := cfg.host(), cfg.port()
	if addr != nil {
		if _, p, err := net.SplitHostPort(addr.String()); err == nil {
			port = p
		}
	}
	if host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	scheme := "http"
	if cfg.TLSCertFile != "" {
		scheme = "https"
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  ┌──────────────────────────────────────────────┐")
	fmt.Fprintln(w, "  │            Сервер метрик запущен             │")
	fmt.Fprintln(w, "  ├──────────────────────────────────────────────┤")
	fmt.Fprintf(w, "  │  Metrics:  %s://%s%s\n", scheme, net.JoinHostPort(host, port), cfg.path())
	fmt.Fprintln(w, "  └──────────────────────────────────────────────┘")
	fmt.Fprintln(w)
}
