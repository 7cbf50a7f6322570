package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webability/scrapegate/internal/config"
	"github.com/webability/scrapegate/internal/scrape"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: 0, RequestTimeout: time.Minute},
		Logging: config.LoggingConfig{Development: false, Level: "error"},
		Backend: config.BackendConfig{
			Kind: "unlocker",
			Unlocker: config.UnlockerConfig{
				Token:   "tok",
				Actor:   "unlocker.webunlocker",
				Timeout: 5 * time.Second,
			},
			Direct: config.DirectConfig{Timeout: 5 * time.Second},
		},
		Proxy: config.ProxyConfig{
			DefaultCountry:  "DE",
			FallbackCountry: "US",
			Residential:     true,
		},
		Queue:   config.QueueConfig{Workers: 1, Depth: 8},
		Retry:   config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Reports: config.ReportsConfig{Workers: 1, QueueDepth: 4, JobTTL: time.Hour, JanitorInterval: time.Minute},
		Storage: config.StorageConfig{Backend: "memory"},
	}
}

func TestBuildAndRunOnce_Unlocker(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/unlocker/request" || r.Header.Get("x-api-token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>unlocked</body></html>"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Backend.Unlocker.BaseURL = upstream.URL

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	result, err := app.RunOnce(context.Background(), scrape.Request{URL: "https://example.com", Country: "DE"})
	require.NoError(t, err)
	require.Contains(t, result.HTML, "unlocked")
	require.Equal(t, "isp:de", result.Tier.Key())
	require.Equal(t, 1, result.Attempts)
	require.Len(t, app.pool.Tiers("DE"), 3)
}

func TestBuild_DirectWithoutISPProxy(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>x</title></head><body><main>` +
			`plenty of server rendered content here</main></body></html>`))
	}))
	defer site.Close()

	cfg := testConfig()
	cfg.Backend.Kind = "direct"
	cfg.Backend.Direct.RenderHTML = "never"

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	tiers := app.pool.Tiers("DE")
	require.Len(t, tiers, 1)
	require.Equal(t, scrape.ProxyResidential, tiers[0].Kind)
	require.Nil(t, app.browser)

	result, err := app.RunOnce(context.Background(), scrape.Request{URL: site.URL})
	require.NoError(t, err)
	require.Equal(t, "residential", result.Tier.Key())
	require.Contains(t, result.HTML, "server rendered")
}

func TestBuild_LocalStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Backend.Unlocker.BaseURL = "http://127.0.0.1:1"
	cfg.Storage = config.StorageConfig{Backend: "local", Local: config.LocalConfig{BaseDir: t.TempDir()}}

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, app.localBlobs)
	require.NotNil(t, app.apiServer)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuild_RejectsBadBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Backend.Unlocker.BaseURL = ""

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "unlocker backend init failed")
}
