// Package api exposes the HTTP interface for the scraping service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/proxy"
	"github.com/webability/scrapegate/internal/scrape"
)

const maxBodyBytes = 1 << 20

// Reports submits, inspects and cancels accessibility report jobs.
type Reports interface {
	Submit(ctx context.Context, url, country string) (scrape.Job, error)
	Get(ctx context.Context, jobID string) (scrape.Job, error)
	Cancel(ctx context.Context, jobID string) (scrape.Job, error)
}

// ProxyHealth reports the state of every proxy tier seen so far.
type ProxyHealth interface {
	Snapshot() []proxy.Health
}

// ReadyCheck returns an error while a dependency is unavailable.
type ReadyCheck func(ctx context.Context) error

// Options wires a Server.
type Options struct {
	Scraper scrape.Scraper
	Reports Reports
	Proxies ProxyHealth
	// Checks run on /readyz, keyed by dependency name.
	Checks map[string]ReadyCheck
	// APIKey protects /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the scraper and report pipeline.
type Server struct {
	router  chi.Router
	scraper scrape.Scraper
	reports Reports
	proxies ProxyHealth
	checks  map[string]ReadyCheck
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	s := &Server{
		scraper: opts.Scraper,
		reports: opts.Reports,
		proxies: opts.Proxies,
		checks:  opts.Checks,
		logger:  opts.Logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(opts.Logger))
	r.Use(recoverMiddleware(opts.Logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/scrape", s.scrapeHTML)
		r.Post("/screenshot", s.screenshot)
		r.Get("/proxies", s.listProxies)
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", s.submitReport)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getReport)
				r.Get("/result", s.getReportResult)
				r.Post("/cancel", s.cancelReport)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	tiers := []proxy.Health{}
	if s.proxies != nil {
		tiers = append(tiers, s.proxies.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers})
}

// statusFor maps a scrape error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, scrape.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}
	switch scrape.FailureOf(err) {
	case scrape.FailureInvalidRequest:
		return http.StatusBadRequest
	case scrape.FailureQuota:
		return http.StatusPaymentRequired
	case scrape.FailureCircuitOpen:
		return http.StatusServiceUnavailable
	case scrape.FailureTransient, scrape.FailureRejected:
		return http.StatusBadGateway
	case scrape.FailureContentShape:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeScrapeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Failure: scrape.FailureOf(err)})
}

type errorBody struct {
	Error   string         `json:"error"`
	Failure scrape.Failure `json:"failure,omitempty"`
}
