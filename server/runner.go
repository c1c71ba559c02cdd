package server

import (
	"context"
	"net"
	"net/http"
)

// Runner поднимает listener на addr и обслуживает h до отмены ctx.
// started вызывается после успешного bind, до начала обслуживания.
type Runner interface {
	Run(ctx context.Context, addr string, h http.Handler, started func(net.Addr)) error
}

// runnerFactory выставляется сборкой, в которую включён net/http раннер
// (см. runner_http.go). Под тегом nohttprunner остаётся nil.
var runnerFactory func(cfg Config) Runner

// LookupRunner проверяет, доступен ли способ поднять сервер.
// cfg.Runner имеет приоритет над встроенным раннером.
func LookupRunner(cfg Config) (Runner, bool) {
	if cfg.Runner != nil {
		return cfg.Runner, true
	}
	if runnerFactory == nil {
		return nil, false
	}
	return runnerFactory(cfg), true
}
