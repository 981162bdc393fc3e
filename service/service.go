// Package service is the optional monitoring sidecar for long collection
// runs under CI supervision: a healthz endpoint and a Prometheus metrics
// endpoint, each gated by configuration and off by default.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-coverage/metrics"
)

const (
	// HealthzHost and HealthzPort are the sidecar's defaults. The port stays
	// clear of 8080, which the instrumented server under test binds.
	HealthzHost = "0.0.0.0"
	HealthzPort = "8087"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// Environment variables consulted by FromEnv. The sidecar comes up before
// CLI parsing, so it is driven by the environment alone; the METRICS_*
// names match the opmetrics flag group's env bindings.
const (
	EnvMonitoringEnabled = "OP_COVERAGE_MONITORING_ENABLED"
	EnvMetricsEnabled    = "OP_COVERAGE_METRICS_ENABLED"
	EnvMetricsAddr       = "OP_COVERAGE_METRICS_ADDR"
	EnvMetricsPort       = "OP_COVERAGE_METRICS_PORT"
	EnvHealthzHost       = "OP_COVERAGE_HEALTHZ_HOST"
	EnvHealthzPort       = "OP_COVERAGE_HEALTHZ_PORT"
)

// FromEnv assembles the sidecar config from the environment. Both servers
// stay disabled unless monitoring is switched on; the metrics server can
// also be enabled on its own.
func FromEnv() Config {
	monitoring := isTruthy(os.Getenv(EnvMonitoringEnabled))
	return Config{
		Healthz: ServerConfig{
			Enabled: monitoring,
			Host:    os.Getenv(EnvHealthzHost),
			Port:    os.Getenv(EnvHealthzPort),
		},
		Metrics: ServerConfig{
			Enabled: monitoring || isTruthy(os.Getenv(EnvMetricsEnabled)),
			Host:    os.Getenv(EnvMetricsAddr),
			Port:    os.Getenv(EnvMetricsPort),
		},
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Config gates the two sidecar servers.
type Config struct {
	Healthz ServerConfig
	Metrics ServerConfig
}

// ServerConfig is one sidecar server's listen configuration.
type ServerConfig struct {
	Enabled bool
	Host    string
	Port    string
}

type Service struct {
	Config  Config
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config) *Service {
	if cfg.Healthz.Host == "" {
		cfg.Healthz.Host = HealthzHost
	}
	if cfg.Healthz.Port == "" {
		cfg.Healthz.Port = HealthzPort
	}
	if cfg.Metrics.Host == "" {
		cfg.Metrics.Host = MetricsHost
	}
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = MetricsPort
	}
	s := &Service{
		Config:  cfg,
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	log.Info("service starting")

	if s.Config.Healthz.Enabled {
		addr := net.JoinHostPort(s.Config.Healthz.Host, s.Config.Healthz.Port)
		log.Info("starting healthz server", "addr", addr)
		go func() {
			if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("error starting healthz server", err)
			}
		}()
	}

	if s.Config.Metrics.Enabled {
		addr := net.JoinHostPort(s.Config.Metrics.Host, s.Config.Metrics.Port)
		log.Info("starting metrics server", "addr", addr)
		go func() {
			if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	log.Info("service started")
}

func (s *Service) Shutdown() {
	log.Info("service shutting down")

	if s.Config.Healthz.Enabled {
		_ = s.Healthz.Shutdown()
		log.Info("healthz stopped")
	}

	if s.Config.Metrics.Enabled {
		_ = s.Metrics.Shutdown()
		log.Info("metrics stopped")
	}

	log.Info("service stopped")
}
