package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"

	"github.com/vovanwin/metrics-exporter/exporter"
	"github.com/vovanwin/metrics-exporter/logger"
	"github.com/vovanwin/metrics-exporter/registry"
)

type fakeRunner struct {
	listenAddr net.Addr
	runErr     error
	gotAddr    chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		listenAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 19394},
		gotAddr:    make(chan string, 1),
	}
}

func (f *fakeRunner) Run(ctx context.Context, addr string, _ http.Handler, started func(net.Addr)) error {
	f.gotAddr <- addr
	if f.runErr != nil {
		return f.runErr
	}
	started(f.listenAddr)
	<-ctx.Done()
	return nil
}

func testConfig(reg *registry.Registry) Config {
	cfg := DefaultConfig()
	cfg.Exporter = []exporter.Option{exporter.WithRegistry(reg)}
	return cfg
}

func do(h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestNewApplication_Scrape(t *testing.T) {
	reg := registry.New()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_total", Help: "Requests."})
	reg.MustRegister(c)
	c.Add(5)

	cfg := testConfig(reg)
	cfg.Compress = false
	rec := do(NewApplication(cfg), "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "requests_total 5\n")
}

func TestNewApplication_NotFound(t *testing.T) {
	reg := registry.New()
	var collected bool
	reg.OnCollect("flag", func(context.Context) error {
		collected = true
		return nil
	})

	rec := do(NewApplication(testConfig(reg)), "/other", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Not Found\n", rec.Body.String())
	assert.False(t, collected)
}

func TestNewApplication_CollectFailureIsDiagnostic(t *testing.T) {
	reg := registry.New()
	reg.OnCollect("db_pool", func(context.Context) error { return errors.New("pool closed") })

	cfg := testConfig(reg)
	cfg.Compress = false

	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() {
		rec = do(NewApplication(cfg), "/metrics", nil)
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool closed")
	assert.Contains(t, rec.Body.String(), `collect "db_pool"`)
	assert.NotContains(t, rec.Body.String(), "# TYPE")
}

func TestNewApplication_Compression(t *testing.T) {
	reg := registry.New()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "compressed_gauge", Help: "Gauge."})
	reg.MustRegister(g)
	g.Set(42)

	t.Run("enabled", func(t *testing.T) {
		rec := do(NewApplication(testConfig(reg)), "/metrics", http.Header{"Accept-Encoding": {"gzip"}})

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

		zr, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Contains(t, string(body), "compressed_gauge 42\n")
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(reg)
		cfg.Compress = false
		rec := do(NewApplication(cfg), "/metrics", http.Header{"Accept-Encoding": {"gzip"}})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
		assert.Contains(t, rec.Body.String(), "compressed_gauge 42\n")
	})
}

func TestNewApplication_AccessLog(t *testing.T) {
	reg := registry.New()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "access_log_gauge", Help: "Gauge."})
	reg.MustRegister(g)

	tests := []struct {
		name string
		reg  *registry.Registry
	}{
		{name: "with metrics", reg: reg},
		{name: "empty registry", reg: registry.New()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := testConfig(tt.reg)
			cfg.AccessLog = slog.New(slog.NewTextHandler(&buf, nil))

			rec := do(NewApplication(cfg), "/metrics", nil)
			require.Equal(t, http.StatusOK, rec.Code)

			assert.Contains(t, buf.String(), "/metrics")
			assert.Contains(t, buf.String(), " 200 ")
			assert.NotContains(t, buf.String(), " 000 ")
		})
	}
}

func TestNewApplication_CustomPath(t *testing.T) {
	cfg := testConfig(registry.New())
	cfg.Path = "/prom"

	app := NewApplication(cfg)

	assert.Equal(t, http.StatusOK, do(app, "/prom", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(app, "/metrics", nil).Code)
}

func TestNewApplication_ScrapeMetricsAndTracing(t *testing.T) {
	cfg := testConfig(registry.New())
	cfg.ScrapeMetrics = true
	cfg.Tracing = true

	app := NewApplication(cfg)

	assert.Equal(t, http.StatusOK, do(app, "/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(app, "/missing", nil).Code)
}

func TestFilters_Order(t *testing.T) {
	cfg := DefaultConfig()
	assert.Len(t, Filters(cfg), 4, "compress, access log, recovery, exporter")

	cfg.Compress = false
	assert.Len(t, Filters(cfg), 3)

	cfg.Tracing = true
	cfg.ScrapeMetrics = true
	assert.Len(t, Filters(cfg), 5)
}

func TestStart_RunnerUnavailable(t *testing.T) {
	prev := runnerFactory
	runnerFactory = nil
	t.Cleanup(func() { runnerFactory = prev })

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	var s *Server
	require.NotPanics(t, func() {
		s = Start(context.Background(), DefaultConfig(), log)
	})

	waitClosed(t, s.Done(), "done")
	assert.False(t, s.Started())
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Stop(context.Background()))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "http runner is not available")
}

func TestLookupRunner(t *testing.T) {
	r, ok := LookupRunner(DefaultConfig())
	require.True(t, ok)
	assert.IsType(t, &HTTPRunner{}, r)

	fake := newFakeRunner()
	cfg := DefaultConfig()
	cfg.Runner = fake
	r, ok = LookupRunner(cfg)
	require.True(t, ok)
	assert.Same(t, fake, r)
}

func TestStart_NonBlockingAndStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeRunner()
	cfg := DefaultConfig()
	cfg.Runner = fake

	ctx, cancel := context.WithCancel(context.Background())
	s := Start(ctx, cfg, logger.Discard())
	cancel()

	waitClosed(t, s.Ready(), "ready")
	assert.Equal(t, "0.0.0.0:9394", <-fake.gotAddr)
	assert.True(t, s.Started())
	assert.Equal(t, fake.listenAddr, s.Addr())

	select {
	case <-s.Done():
		t.Fatal("server must outlive the start context")
	default:
	}

	require.NoError(t, s.Stop(context.Background()))
	waitClosed(t, s.Done(), "done")
}

func TestStart_ZeroConfigUsesDefaultBind(t *testing.T) {
	fake := newFakeRunner()

	s := Start(context.Background(), Config{Runner: fake}, logger.Discard())

	select {
	case addr := <-fake.gotAddr:
		assert.Equal(t, "0.0.0.0:9394", addr)
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not called")
	}

	waitClosed(t, s.Ready(), "ready")
	require.NoError(t, s.Stop(context.Background()))
}

func TestStart_RunnerError(t *testing.T) {
	fake := newFakeRunner()
	fake.runErr = errors.New("address in use")

	cfg := DefaultConfig()
	cfg.Runner = fake

	s := Start(context.Background(), cfg, logger.Discard())
	waitClosed(t, s.Done(), "done")

	assert.False(t, s.Started())
	assert.EqualError(t, s.Err(), "address in use")
	assert.EqualError(t, s.Stop(context.Background()), "address in use")
}

func TestStart_HTTPRunner(t *testing.T) {
	reg := registry.New()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "live_scrapes_total", Help: "Live."})
	reg.MustRegister(c)
	c.Inc()

	cfg := testConfig(reg)
	cfg.Host = "127.0.0.1"
	cfg.Port = "0"

	s := Start(context.Background(), cfg, logger.Discard())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	waitClosed(t, s.Ready(), "ready")
	base := "http://" + s.Addr().String()

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "live_scrapes_total 1\n")

	resp, err = http.Get(base + "/other")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestNewModule_Lifecycle(t *testing.T) {
	fake := newFakeRunner()
	var banner bytes.Buffer

	app := fxtest.New(t,
		fx.Supply(DefaultConfig(), logger.Discard()),
		NewModule(WithRunner(fake), WithBanner(&banner), WithExporterOptions(exporter.WithRegistry(registry.New()))),
	)

	app.RequireStart()
	assert.Contains(t, banner.String(), "http://localhost:19394/metrics")
	app.RequireStop()
}

func TestNewModule_PartialConfigBanner(t *testing.T) {
	fake := newFakeRunner()
	var banner bytes.Buffer

	app := fxtest.New(t,
		fx.Supply(Config{Compress: true}, logger.Discard()),
		NewModule(WithRunner(fake), WithBanner(&banner), WithExporterOptions(exporter.WithRegistry(registry.New()))),
	)

	app.RequireStart()
	assert.Equal(t, "0.0.0.0:9394", <-fake.gotAddr)
	assert.Contains(t, banner.String(), "http://localhost:19394/metrics")
	app.RequireStop()
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantHost string
		wantPort string
		compress bool
		wantErr  bool
	}{
		{name: "defaults", wantHost: "0.0.0.0", wantPort: "9394", compress: true},
		{name: "bind and port", env: map[string]string{EnvBind: "127.0.0.1", EnvPort: "9100"}, wantHost: "127.0.0.1", wantPort: "9100", compress: true},
		{name: "fallback port", env: map[string]string{EnvFallbackPort: "8080"}, wantHost: "0.0.0.0", wantPort: "8080", compress: true},
		{name: "exporter port wins", env: map[string]string{EnvPort: "9200", EnvFallbackPort: "8080"}, wantHost: "0.0.0.0", wantPort: "9200", compress: true},
		{name: "compression off", env: map[string]string{EnvCompress: "false"}, wantHost: "0.0.0.0", wantPort: "9394", compress: false},
		{name: "bad port", env: map[string]string{EnvPort: "http"}, wantErr: true},
		{name: "port out of range", env: map[string]string{EnvPort: "70000"}, wantErr: true},
		{name: "bad compress", env: map[string]string{EnvCompress: "maybe"}, wantErr: true},
		{name: "compression numeric", env: map[string]string{EnvCompress: "0"}, wantHost: "0.0.0.0", wantPort: "9394", compress: false},
		{name: "tls pair", env: map[string]string{EnvTLSCert: "cert.pem", EnvTLSKey: "key.pem"}, wantHost: "0.0.0.0", wantPort: "9394", compress: true},
		{name: "tls half", env: map[string]string{EnvTLSCert: "cert.pem"}, wantErr: true},
		{name: "tls key only", env: map[string]string{EnvTLSKey: "key.pem"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{EnvBind, EnvPort, EnvFallbackPort, EnvCompress, EnvTLSCert, EnvTLSKey} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := ConfigFromEnv()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, cfg.Host)
			assert.Equal(t, tt.wantPort, cfg.Port)
			assert.Equal(t, tt.compress, cfg.Compress)
			assert.Equal(t, exporter.DefaultPath, cfg.Path)
			assert.Nil(t, cfg.AccessLog)
		})
	}
}
