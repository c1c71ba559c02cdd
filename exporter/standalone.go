package exporter

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Параметры роута chi, которые превращаются в опции standalone-экспортера.
const (
	ParamPath    = "path"
	ParamInclude = "include"
)

// standalone — единственный на процесс экземпляр, создаётся первым запросом
// и живёт до завершения процесса. Опции берутся из первого запроса.
var standalone struct {
	once    sync.Once
	handler *Handler
}

// Standalone возвращает экспортер как самостоятельный http.Handler.
// Экспортер отвечает на корне точки монтирования, поэтому префикс должен быть срезан:
//
//	r.Mount("/metrics", exporter.Standalone())                                // chi
//	mux.Handle("/metrics", http.StripPrefix("/metrics", exporter.Standalone())) // net/http
//
// Без StripPrefix в http.ServeMux путь запроса остаётся полным и каждый скрейп получает 404.
func Standalone() http.Handler {
	return http.HandlerFunc(ServeStandalone)
}

// ServeStandalone лениво создаёт экспортер на пути "/" поверх NotFound
// и обслуживает им запрос. Параметры роута chi (path, include) становятся опциями.
func ServeStandalone(w http.ResponseWriter, r *http.Request) {
	standalone.once.Do(func() {
		opts := append([]Option{WithPath("/")}, routeOptions(r)...)
		standalone.handler = New(NotFound, opts...)
	})
	standalone.handler.ServeHTTP(w, r)
}

func routeOptions(r *http.Request) []Option {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}

	var opts []Option
	if p := rctx.URLParam(ParamPath); p != "" {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		opts = append(opts, WithPath(p))
	}
	if inc := rctx.URLParam(ParamInclude); inc != "" {
		opts = append(opts, WithInclude(strings.Split(inc, ",")...))
	}
	return opts
}
