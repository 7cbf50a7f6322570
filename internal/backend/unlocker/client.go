// Package unlocker implements a scrape backend over a hosted web-unlocker API.
// The vendor selects the egress proxy from the request body, so each tier maps
// to a proxy stanza rather than a local proxy connection.
package unlocker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/scrape"
)

const (
	requestPath  = "/api/v1/unlocker/request"
	maxBodyBytes = 20 << 20
)

// Config controls the API client.
type Config struct {
	BaseURL string
	Token   string
	Actor   string
	Timeout time.Duration
}

// Client calls the unlocker API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("unlocker base url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("unlocker api token is required")
	}
	if cfg.Actor == "" {
		cfg.Actor = "unlocker.webunlocker"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

type proxyStanza struct {
	Country string `json:"country"`
	Type    string `json:"type"`
}

type input struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	Redirect     bool   `json:"redirect"`
	JSRender     bool   `json:"js_render"`
	Headless     bool   `json:"headless"`
	ResponseType string `json:"response_type"`
	FullPage     bool   `json:"full_page,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type requestBody struct {
	Actor string       `json:"actor"`
	Proxy *proxyStanza `json:"proxy,omitempty"`
	Input input        `json:"input"`
}

// Execute performs one API call for req through tier.
func (c *Client) Execute(ctx context.Context, req scrape.Request, tier scrape.Tier) (scrape.RawResponse, error) {
	payload, err := json.Marshal(c.buildBody(req, tier))
	if err != nil {
		return scrape.RawResponse{}, fmt.Errorf("marshal unlocker request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return scrape.RawResponse{}, fmt.Errorf("build unlocker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-token", c.cfg.Token)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return scrape.RawResponse{}, (&scrape.Error{
			Failure: scrape.FailureTransient,
			Message: "unlocker request failed",
			Err:     err,
		}).WithTier(tier)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close unlocker body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return scrape.RawResponse{}, (&scrape.Error{
			Failure:    scrape.FailureTransient,
			StatusCode: resp.StatusCode,
			Message:    "read unlocker response",
			Err:        err,
		}).WithTier(tier)
	}
	c.logger.Debug("unlocker response",
		zap.String("url", req.URL),
		zap.String("tier", tier.Key()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return scrape.RawResponse{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func (c *Client) buildBody(req scrape.Request, tier scrape.Tier) requestBody {
	body := requestBody{
		Actor: c.cfg.Actor,
		Input: input{
			URL:          req.URL,
			Method:       http.MethodGet,
			Redirect:     true,
			JSRender:     true,
			Headless:     true,
			ResponseType: "html",
		},
	}
	if req.Kind == scrape.KindScreenshot {
		body.Input.ResponseType = "png"
		body.Input.FullPage = req.FullPage
		body.Input.Width = req.Width
		body.Input.Height = req.Height
	}
	if tier.Kind == scrape.ProxyISP && tier.Country != "" {
		body.Proxy = &proxyStanza{Country: strings.ToUpper(tier.Country), Type: string(scrape.ProxyISP)}
	}
	return body
}
