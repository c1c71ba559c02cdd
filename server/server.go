package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
)

// Server — хендл фонового сервера метрик, возвращаемый Start.
type Server struct {
	cfg    Config
	log    *slog.Logger
	cancel context.CancelFunc

	ready chan struct{}
	done  chan struct{}

	mu   sync.Mutex
	addr net.Addr
	err  error
}

// Start запускает сервер метрик в фоне и сразу возвращает хендл.
// Если раннер недоступен, пишет предупреждение и возвращает уже завершённый хендл без listener'а.
//
// Отмена ctx не останавливает сервер (ctx часто живёт только на время старта),
// для остановки есть Stop.
func Start(ctx context.Context, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	runner, ok := LookupRunner(cfg)
	if !ok {
		log.WarnContext(ctx, "http runner is not available, metrics server not started",
			slog.String("addr", s.bindAddr()),
		)
		s.cancel = func() {}
		close(s.done)
		return s
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	app := NewApplication(cfg)

	go func() {
		defer close(s.done)

		err := runner.Run(runCtx, s.bindAddr(), app, s.markStarted)

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		if err != nil {
			log.Error("metrics server failed", slog.String("addr", s.bindAddr()), slog.Any("error", err))
			return
		}
		log.Info("metrics server stopped", slog.String("addr", s.bindAddr()))
	}()

	return s
}

// Stop останавливает сервер и ждёт завершения фоновой горутины или отмены ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready закрывается, когда listener поднят.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Done закрывается, когда сервер завершил работу (или не был запущен).
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Started сообщает, был ли поднят listener.
func (s *Server) Started() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Addr возвращает фактический адрес listener'а или nil до старта.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Err возвращает ошибку завершения раннера.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Server) markStarted(addr net.Addr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()

	close(s.ready)

	s.log.Info("metrics server started",
		slog.String("addr", addr.String()),
		slog.String("path", s.cfg.path()),
	)
}

func (s *Server) bindAddr() string {
	return net.JoinHostPort(s.cfg.host(), s.cfg.port())
}
