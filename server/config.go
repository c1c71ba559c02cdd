package server

import (
	"compress/flate"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/vovanwin/metrics-exporter/exporter"
)

// Переменные окружения standalone-режима.
const (
	EnvBind         = "PROMETHEUS_EXPORTER_BIND"
	EnvPort         = "PROMETHEUS_EXPORTER_PORT"
	EnvFallbackPort = "PORT"
	EnvCompress     = "PROMETHEUS_EXPORTER_COMPRESS"
	EnvTLSCert      = "PROMETHEUS_EXPORTER_TLS_CERT"
	EnvTLSKey       = "PROMETHEUS_EXPORTER_TLS_KEY"
)

// Ключи viper. С префиксом окружения PROMETHEUS_EXPORTER ключ bind читается
// из PROMETHEUS_EXPORTER_BIND и т.д.
const (
	envPrefix   = "prometheus_exporter"
	keyBind     = "bind"
	keyPort     = "port"
	keyCompress = "compress"
	keyTLSCert  = "tls_cert"
	keyTLSKey   = "tls_key"
)

const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = "9394"
	DefaultServiceName = "metrics_exporter"
)

// Config — конфигурация сервера метрик. Собирается один раз при старте.
type Config struct {
	Host string
	Port string

	// Path путь экспозиции, по умолчанию /metrics.
	Path string

	// Compress включает gzip/deflate сжатие ответов.
	Compress      bool
	CompressLevel int

	// AccessLog приёмник access-лога. При nil логи запросов отбрасываются.
	AccessLog *slog.Logger

	TLSCertFile string
	TLSKeyFile  string

	// Tracing оборачивает цепочку в otelhttp.
	Tracing bool
	// ScrapeMetrics включает OTEL-метрики самих скрейпов.
	ScrapeMetrics bool
	// ServiceName префикс OTEL-инструментов и имя спанов.
	ServiceName string

	// Exporter опции обработчика экспозиции. Путь задаётся через Path.
	Exporter []exporter.Option

	// Runner переопределяет способ поднятия listener'а. При nil используется LookupRunner.
	Runner Runner

	banner io.Writer
}

// DefaultConfig возвращает конфигурацию по умолчанию: 0.0.0.0:9394, /metrics, сжатие включено.
func DefaultConfig() Config {
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		Path:          exporter.DefaultPath,
		Compress:      true,
		CompressLevel: flate.DefaultCompression,
		ServiceName:   DefaultServiceName,
	}
}

// ConfigFromEnv читает конфигурацию из окружения поверх DefaultConfig.
// Порт: PROMETHEUS_EXPORTER_PORT, затем PORT, затем 9394. Пустые переменные считаются незаданными.
func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetDefault(keyBind, def.Host)
	v.SetDefault(keyPort, def.Port)
	v.SetDefault(keyCompress, def.Compress)
	v.SetDefault(keyTLSCert, "")
	v.SetDefault(keyTLSKey, "")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv(keyPort, EnvPort, EnvFallbackPort); err != nil {
		return Config{}, fmt.Errorf("bind %s: %w", keyPort, err)
	}

	cfg := def
	cfg.Host = v.GetString(keyBind)

	cfg.Port = v.GetString(keyPort)
	if err := validatePort(cfg.Port); err != nil {
		return Config{}, err
	}

	compress, err := cast.ToBoolE(v.Get(keyCompress))
	if err != nil {
		return Config{}, fmt.Errorf("parse %s=%q: %w", EnvCompress, v.GetString(keyCompress), err)
	}
	cfg.Compress = compress

	cfg.TLSCertFile = v.GetString(keyTLSCert)
	cfg.TLSKeyFile = v.GetString(keyTLSKey)
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", EnvTLSCert, EnvTLSKey)
	}

	return cfg, nil
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func (c Config) host() string {
	if c.Host == "" {
		return DefaultHost
	}
	return c.Host
}

func (c Config) port() string {
	if c.Port == "" {
		return DefaultPort
	}
	return c.Port
}

func (c Config) path() string {
	if c.Path == "" {
		return exporter.DefaultPath
	}
	return c.Path
}

func (c Config) serviceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}
