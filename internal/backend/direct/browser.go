package direct

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/scrape"
)

// BrowserConfig controls the headless Chrome pool.
type BrowserConfig struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready before capturing.
	Settle    time.Duration
	ExecPath  string
	UserAgent string
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Browser renders pages and captures screenshots through headless Chrome.
// Each tier gets its own allocator so proxy flags stay per process.
type Browser struct {
	cfg     BrowserConfig
	limiter chan struct{}
	logger  *zap.Logger

	mu         sync.Mutex
	allocators map[string]allocator
}

// NewBrowser validates cfg and returns a Browser. Chrome starts lazily.
func NewBrowser(cfg BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger,
		allocators: make(map[string]allocator),
	}, nil
}

// Close shuts down every Chrome process started by the browser.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, alloc := range b.allocators {
		alloc.cancel()
		delete(b.allocators, key)
	}
}

// Render navigates to target and returns the rendered DOM.
func (b *Browser) Render(ctx context.Context, target string, key string, proxy *url.URL) (scrape.RawResponse, error) {
	var html string
	resp, err := b.run(ctx, target, key, proxy, 0, 0, func(actions []chromedp.Action) []chromedp.Action {
		return append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	})
	if err != nil {
		return scrape.RawResponse{}, err
	}
	resp.Body = []byte(html)
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	}
	return resp, nil
}

// Screenshot navigates to req.URL and captures a PNG.
func (b *Browser) Screenshot(ctx context.Context, req scrape.Request, key string, proxy *url.URL) (scrape.RawResponse, error) {
	var buf []byte
	resp, err := b.run(ctx, req.URL, key, proxy, req.Width, req.Height, func(actions []chromedp.Action) []chromedp.Action {
		if req.FullPage {
			return append(actions, chromedp.FullScreenshot(&buf, 100))
		}
		return append(actions, chromedp.CaptureScreenshot(&buf))
	})
	if err != nil {
		return scrape.RawResponse{}, err
	}
	resp.Body = buf
	resp.Header = http.Header{"Content-Type": []string{"image/png"}}
	return resp, nil
}

type captureFunc func([]chromedp.Action) []chromedp.Action

func (b *Browser) run(
	ctx context.Context,
	target string,
	key string,
	proxy *url.URL,
	width, height int,
	capture captureFunc,
) (scrape.RawResponse, error) {
	if err := b.acquire(ctx); err != nil {
		return scrape.RawResponse{}, err
	}
	defer b.release()

	taskCtx, taskCancel := chromedp.NewContext(b.allocatorFor(key, proxy))
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		handleFetchEvent(taskCtx, ev, proxy)
	})

	var finalURL string
	actions := []chromedp.Action{b.setupAction(proxy, width, height)}
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if b.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.Settle))
	}
	actions = append(actions, chromedp.Location(&finalURL))
	actions = capture(actions)

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return scrape.RawResponse{}, fmt.Errorf("chromedp run canceled: %w", ctx.Err())
		}
		return scrape.RawResponse{}, fmt.Errorf("chromedp run: %w", err)
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(target, finalURL)
	return scrape.RawResponse{
		URL:        responseURL,
		StatusCode: status,
		Header:     headers,
		Duration:   time.Since(start),
	}, nil
}

func (b *Browser) setupAction(proxy *url.URL, width, height int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if proxy != nil && proxy.User != nil {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if width > 0 && height > 0 {
			if err := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		return nil
	})
}

// handleFetchEvent answers proxy auth challenges when the fetch domain is on.
func handleFetchEvent(ctx context.Context, ev any, proxy *url.URL) {
	if proxy == nil || proxy.User == nil {
		return
	}
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go func() {
			_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
		}()
	case *fetch.EventAuthRequired:
		password, _ := proxy.User.Password()
		resp := &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: proxy.User.Username(),
			Password: password,
		}
		go func() {
			_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, resp))
		}()
	}
}

func (b *Browser) allocatorFor(key string, proxy *url.URL) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if alloc, ok := b.allocators[key]; ok {
		return alloc.ctx
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.Scheme+"://"+proxy.Host))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	b.allocators[key] = allocator{ctx: ctx, cancel: cancel}
	b.logger.Debug("browser allocator created", zap.String("tier", key), zap.Bool("proxied", proxy != nil))
	return ctx
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// first document response wins; later ones are iframes
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, u := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		u = finalURL
	case u == "":
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, u
}
