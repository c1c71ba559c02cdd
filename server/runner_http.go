//go:build !nohttprunner

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

func init() {
	runnerFactory = func(cfg Config) Runner {
		return &HTTPRunner{
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		}
	}
}

// HTTPRunner — Runner на net/http. TLS включается, если заданы CertFile и KeyFile.
// Таймаутов на запись нет: медленный сбор метрик удлиняет ответ, а не обрывает его.
type HTTPRunner struct {
	CertFile string
	KeyFile  string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (hr *HTTPRunner) Run(ctx context.Context, addr string, h http.Handler, started func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	readHeaderTimeout := hr.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if started != nil {
		started(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		if hr.CertFile != "" && hr.KeyFile != "" {
			errCh <- srv.ServeTLS(ln, hr.CertFile, hr.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownTimeout := hr.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	<-errCh

	return nil
}
