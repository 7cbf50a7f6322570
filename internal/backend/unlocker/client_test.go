package unlocker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/scrape"
)

func TestClient_ExecuteSendsProxyStanza(t *testing.T) {
	t.Parallel()

	var (
		got       requestBody
		gotPath   string
		gotToken  string
		decodeErr error
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("x-api-token")
		data, _ := io.ReadAll(r.Body)
		decodeErr = json.Unmarshal(data, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"data":"<html></html>"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", Token: "secret"}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	resp, err := client.Execute(context.Background(),
		scrape.Request{URL: "https://example.com", Kind: scrape.KindHTML},
		scrape.Tier{Kind: scrape.ProxyISP, Country: "de"},
	)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.ContentType())
	require.Contains(t, string(resp.Body), "<html>")

	require.NoError(t, decodeErr)
	require.Equal(t, requestPath, gotPath)
	require.Equal(t, "secret", gotToken)
	require.Equal(t, "unlocker.webunlocker", got.Actor)
	require.NotNil(t, got.Proxy)
	require.Equal(t, "DE", got.Proxy.Country)
	require.Equal(t, "isp", got.Proxy.Type)
	require.Equal(t, "html", got.Input.ResponseType)
	require.Equal(t, "https://example.com", got.Input.URL)
}

func TestClient_ResidentialOmitsProxyAndScreenshotOptions(t *testing.T) {
	t.Parallel()

	client, err := New(Config{BaseURL: "http://unused", Token: "t"}, nil, nil)
	require.NoError(t, err)

	body := client.buildBody(
		scrape.Request{URL: "https://example.com", Kind: scrape.KindScreenshot, FullPage: true, Width: 1280, Height: 800},
		scrape.Tier{Kind: scrape.ProxyResidential},
	)
	require.Nil(t, body.Proxy)
	require.Equal(t, "png", body.Input.ResponseType)
	require.True(t, body.Input.FullPage)
	require.Equal(t, 1280, body.Input.Width)
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := New(Config{BaseURL: url, Token: "t", Timeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Execute(context.Background(),
		scrape.Request{URL: "https://example.com", Kind: scrape.KindHTML},
		scrape.Tier{Kind: scrape.ProxyISP, Country: "US"},
	)
	require.Error(t, err)
	require.Equal(t, scrape.FailureTransient, scrape.FailureOf(err))
	require.Contains(t, err.Error(), "isp:us")
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Token: "t"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"}, nil, nil)
	require.Error(t, err)
}
