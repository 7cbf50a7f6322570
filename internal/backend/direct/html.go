package direct

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/scrape"
)

const maxHTMLBytes = 10 << 20

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// htmlFetcher issues plain GETs through colly, one transport per tier.
type htmlFetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

func newHTMLFetcher(cfg Config, logger *zap.Logger) *htmlFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &htmlFetcher{
		cfg:        cfg,
		logger:     logger,
		transports: make(map[string]*http.Transport),
	}
}

func (f *htmlFetcher) fetch(ctx context.Context, target string, key string, proxy *url.URL) (scrape.RawResponse, error) {
	var (
		result   scrape.RawResponse
		fetchErr error
	)
	collector := colly.NewCollector(colly.Async(false), colly.StdlibContext(ctx))
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = maxHTMLBytes
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transportFor(key, proxy))

	start := time.Now()
	configureHooks(collector, start, &result, &fetchErr)

	// The request carries ctx, so cancellation aborts the transfer and Visit
	// returns before the worker slot is released.
	err := collector.Visit(target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return scrape.RawResponse{}, fmt.Errorf("colly fetch canceled: %w", ctxErr)
	}
	if err != nil {
		return scrape.RawResponse{}, fmt.Errorf("colly visit failed: %w", err)
	}
	if fetchErr != nil {
		return scrape.RawResponse{}, fmt.Errorf("colly response failed: %w", fetchErr)
	}
	return result, nil
}

func configureHooks(hooks collectorHooks, start time.Time, result *scrape.RawResponse, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = cloneHeader(*r.Headers)
		}
		*result = scrape.RawResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *htmlFetcher) transportFor(key string, proxy *url.URL) *http.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	} else if f.cfg.TLSFingerprint == "chrome" {
		t.DialTLSContext = dialChromeTLS
	}
	f.transports[key] = t
	f.logger.Debug("transport created", zap.String("tier", key), zap.Bool("proxied", proxy != nil))
	return t
}
