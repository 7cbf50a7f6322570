// Package direct implements a self-hosted scrape backend that egresses through
// configured ISP and residential HTTP proxies.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/scrape"
)

// Render modes for HTML requests.
const (
	RenderNever  = "never"
	RenderAuto   = "auto"
	RenderAlways = "always"
)

// Config controls the direct backend.
type Config struct {
	// ISPProxyURL is a proxy URL template; "{country}" is replaced with the
	// lowercase country code of the tier.
	ISPProxyURL string
	// ResidentialProxyURL is used for the last tier. Empty means no proxy.
	ResidentialProxyURL string
	UserAgent           string
	Timeout             time.Duration
	// TLSFingerprint selects a client hello for unproxied fetches ("" or "chrome").
	TLSFingerprint string
	RenderHTML     string
	Browser        BrowserConfig
}

// Promoter decides whether a fetched page needs a browser render.
type Promoter interface {
	ShouldPromote(resp scrape.RawResponse) bool
}

// Backend serves HTML through colly and screenshots through Chrome.
type Backend struct {
	cfg      Config
	html     *htmlFetcher
	browser  *Browser
	promoter Promoter
	logger   *zap.Logger
}

// New builds a Backend. browser may be nil when screenshots and rendering are disabled.
func New(cfg Config, browser *Browser, promoter Promoter, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RenderHTML == "" {
		cfg.RenderHTML = RenderAuto
	}
	switch cfg.RenderHTML {
	case RenderNever, RenderAuto, RenderAlways:
	default:
		return nil, fmt.Errorf("unknown render mode %q", cfg.RenderHTML)
	}
	if cfg.TLSFingerprint != "" && cfg.TLSFingerprint != "chrome" {
		return nil, fmt.Errorf("unknown tls fingerprint %q", cfg.TLSFingerprint)
	}
	for _, raw := range []string{cfg.ISPProxyURL, cfg.ResidentialProxyURL} {
		if raw == "" {
			continue
		}
		if _, err := parseProxy(strings.ReplaceAll(raw, "{country}", "us")); err != nil {
			return nil, err
		}
	}
	return &Backend{
		cfg:      cfg,
		html:     newHTMLFetcher(cfg, logger.Named("html")),
		browser:  browser,
		promoter: promoter,
		logger:   logger,
	}, nil
}

// Execute fetches req through the proxy assigned to tier.
func (b *Backend) Execute(ctx context.Context, req scrape.Request, tier scrape.Tier) (scrape.RawResponse, error) {
	proxy, err := b.proxyFor(tier)
	if err != nil {
		return scrape.RawResponse{}, (&scrape.Error{Failure: scrape.FailureRejected, Message: err.Error()}).WithTier(tier)
	}

	if req.Kind == scrape.KindScreenshot {
		if b.browser == nil {
			return scrape.RawResponse{}, (&scrape.Error{
				Failure: scrape.FailureRejected,
				Message: "screenshots require the headless browser",
			}).WithTier(tier)
		}
		shot, shotErr := b.browser.Screenshot(ctx, req, tier.Key(), proxy)
		return b.wrap(tier, shot, shotErr)
	}

	if b.cfg.RenderHTML == RenderAlways && b.browser != nil {
		rendered, renderErr := b.browser.Render(ctx, req.URL, tier.Key(), proxy)
		return b.wrap(tier, rendered, renderErr)
	}

	resp, err := b.html.fetch(ctx, req.URL, tier.Key(), proxy)
	if err != nil {
		return b.wrap(tier, resp, err)
	}
	if b.cfg.RenderHTML == RenderAuto && b.browser != nil && b.promoter != nil && b.promoter.ShouldPromote(resp) {
		rendered, renderErr := b.browser.Render(ctx, req.URL, tier.Key(), proxy)
		if renderErr == nil {
			b.logger.Debug("browser render applied", zap.String("url", req.URL), zap.String("tier", tier.Key()))
			return rendered, nil
		}
		b.logger.Warn("browser render failed, keeping static html",
			zap.String("url", req.URL),
			zap.String("tier", tier.Key()),
			zap.Error(renderErr),
		)
	}
	return resp, nil
}

func (b *Backend) wrap(tier scrape.Tier, resp scrape.RawResponse, err error) (scrape.RawResponse, error) {
	if err == nil {
		return resp, nil
	}
	var scrapeErr *scrape.Error
	if errors.As(err, &scrapeErr) {
		return scrape.RawResponse{}, scrapeErr.WithTier(tier)
	}
	return scrape.RawResponse{}, (&scrape.Error{Failure: scrape.FailureTransient, Err: err}).WithTier(tier)
}

// proxyFor returns the egress proxy for tier, or nil for a direct connection.
func (b *Backend) proxyFor(tier scrape.Tier) (*url.URL, error) {
	switch tier.Kind {
	case scrape.ProxyISP:
		if b.cfg.ISPProxyURL == "" {
			return nil, errors.New("isp proxy not configured")
		}
		return parseProxy(strings.ReplaceAll(b.cfg.ISPProxyURL, "{country}", strings.ToLower(tier.Country)))
	case scrape.ProxyResidential:
		if b.cfg.ResidentialProxyURL == "" {
			return nil, nil
		}
		return parseProxy(b.cfg.ResidentialProxyURL)
	default:
		return nil, fmt.Errorf("unknown proxy kind %q", tier.Kind)
	}
}

func parseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("proxy url has no host")
	}
	return u, nil
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return http.Header{}
	}
	return src.Clone()
}
