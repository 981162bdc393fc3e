package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-coverage/metrics"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return strconv.Itoa(port)
}

func waitForBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(url) //nolint:bodyclose
		return err == nil
	}, 3*time.Second, 50*time.Millisecond, "server never came up at %s", url)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealthzServer(t *testing.T) {
	port := freePort(t)
	svc := New(Config{Healthz: ServerConfig{Enabled: true, Host: "127.0.0.1", Port: port}})
	svc.Start(context.Background())
	defer svc.Shutdown()

	resp, body := waitForBody(t, fmt.Sprintf("http://127.0.0.1:%s/healthz", port))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
}

func TestMetricsServerServesRegistry(t *testing.T) {
	metrics.RecordError("wiring_check")

	port := freePort(t)
	svc := New(Config{Metrics: ServerConfig{Enabled: true, Host: "127.0.0.1", Port: port}})
	svc.Start(context.Background())
	defer svc.Shutdown()

	resp, body := waitForBody(t, fmt.Sprintf("http://127.0.0.1:%s/metrics", port))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "coverage_errors_total")
}

func TestDisabledServersDoNotBind(t *testing.T) {
	port := freePort(t)
	svc := New(Config{
		Healthz: ServerConfig{Enabled: false, Host: "127.0.0.1", Port: port},
		Metrics: ServerConfig{Enabled: false, Host: "127.0.0.1", Port: port},
	})
	svc.Start(context.Background())
	defer svc.Shutdown()

	time.Sleep(100 * time.Millisecond)
	_, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestDefaultsApplied(t *testing.T) {
	svc := New(Config{})
	assert.Equal(t, HealthzHost, svc.Config.Healthz.Host)
	assert.Equal(t, HealthzPort, svc.Config.Healthz.Port)
	assert.Equal(t, MetricsHost, svc.Config.Metrics.Host)
	assert.Equal(t, MetricsPort, svc.Config.Metrics.Port)
}

func TestFromEnv(t *testing.T) {
	clearEnv := func(t *testing.T) {
		for _, key := range []string{
			EnvMonitoringEnabled, EnvMetricsEnabled, EnvMetricsAddr,
			EnvMetricsPort, EnvHealthzHost, EnvHealthzPort,
		} {
			t.Setenv(key, "")
		}
	}

	t.Run("disabled by default", func(t *testing.T) {
		clearEnv(t)
		cfg := FromEnv()
		assert.False(t, cfg.Healthz.Enabled)
		assert.False(t, cfg.Metrics.Enabled)
	})

	t.Run("monitoring enables both servers", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvMonitoringEnabled, "true")
		t.Setenv(EnvHealthzPort, "9999")
		cfg := FromEnv()
		assert.True(t, cfg.Healthz.Enabled)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, "9999", cfg.Healthz.Port)
	})

	t.Run("metrics server can come up alone", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvMetricsEnabled, "1")
		t.Setenv(EnvMetricsAddr, "127.0.0.1")
		cfg := FromEnv()
		assert.False(t, cfg.Healthz.Enabled)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, "127.0.0.1", cfg.Metrics.Host)
	})

	t.Run("unparseable toggle stays off", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvMonitoringEnabled, "definitely")
		cfg := FromEnv()
		assert.False(t, cfg.Healthz.Enabled)
	})
}
