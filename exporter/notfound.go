package exporter

import "net/http"

// NotFound — терминальный обработчик для запросов, не забранных экспортером.
var NotFound http.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found\n"))
})
