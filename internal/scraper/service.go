// Package scraper serves scrape requests through the proxy fallback chain.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/classify"
	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/proxy"
	"github.com/webability/scrapegate/internal/requestqueue"
	"github.com/webability/scrapegate/internal/retry"
	"github.com/webability/scrapegate/internal/scrape"
)

const (
	minViewport = 320
	maxViewport = 3840
)

// Doer runs a backend call under the request queue's concurrency and pacing.
type Doer interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// Options wires the collaborators of a Service.
type Options struct {
	Backend  scrape.Backend
	Pool     *proxy.Pool
	Queue    Doer
	Retry    *retry.Policy
	Recorder scrape.AttemptRecorder
	IDs      scrape.IDGenerator
	Clock    scrape.Clock
	Logger   *zap.Logger
}

// Service implements scrape.Scraper.
type Service struct {
	backend  scrape.Backend
	pool     *proxy.Pool
	queue    Doer
	retry    *retry.Policy
	recorder scrape.AttemptRecorder
	ids      scrape.IDGenerator
	clock    scrape.Clock
	logger   *zap.Logger
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Backend == nil:
		return nil, errors.New("scraper: backend is required")
	case opts.Pool == nil:
		return nil, errors.New("scraper: proxy pool is required")
	case opts.Queue == nil:
		return nil, errors.New("scraper: request queue is required")
	case opts.IDs == nil:
		return nil, errors.New("scraper: id generator is required")
	case opts.Clock == nil:
		return nil, errors.New("scraper: clock is required")
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Config{})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		backend:  opts.Backend,
		pool:     opts.Pool,
		queue:    opts.Queue,
		retry:    opts.Retry,
		recorder: opts.Recorder,
		ids:      opts.IDs,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}, nil
}

// Scrape validates req and walks the fallback chain until a tier succeeds.
func (s *Service) Scrape(ctx context.Context, req scrape.Request) (scrape.Result, error) {
	if req.Kind == "" {
		req.Kind = scrape.KindHTML
	}
	if err := Validate(req); err != nil {
		metrics.ObserveScrape(metrics.SanitizeSite(req.URL), string(req.Kind), string(scrape.FailureInvalidRequest), 0, 0)
		return scrape.Result{}, err
	}
	if req.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return scrape.Result{}, fmt.Errorf("generate request id: %w", err)
		}
		req.ID = id
	}

	logger := s.logger.With(
		zap.String("request_id", req.ID),
		zap.String("url", req.URL),
		zap.String("kind", string(req.Kind)),
	)
	start := s.clock.Now()
	site := metrics.SanitizeSite(req.URL)

	tiers := s.pool.Tiers(req.Country)
	if len(tiers) == 0 {
		return scrape.Result{}, scrape.NewError(scrape.FailureRejected, "no proxy tiers configured", nil)
	}

	attempts := 0
	var lastErr error
	for _, tier := range tiers {
		result, n, err := s.tryTier(ctx, logger, req, tier)
		attempts += n
		if err == nil {
			result.Tier = tier
			result.Attempts = attempts
			result.Duration = s.clock.Now().Sub(start)
			metrics.ObserveScrape(site, string(req.Kind), scrape.OutcomeOK, len(result.HTML)+len(result.Image), result.Duration)
			logger.Info("scrape succeeded",
				zap.String("tier", result.Tier.Key()),
				zap.Int("attempts", attempts),
				zap.Duration("duration", result.Duration),
			)
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveScrape(site, string(req.Kind), "canceled", 0, s.clock.Now().Sub(start))
			return scrape.Result{}, fmt.Errorf("scrape %s: %w", req.URL, ctxErr)
		}
		if errors.Is(err, requestqueue.ErrClosed) {
			return scrape.Result{}, fmt.Errorf("scrape %s: %w", req.URL, err)
		}
		lastErr = err
		if scrape.IsQuota(err) {
			logger.Error("scrape aborted, account balance exhausted", zap.String("tier", tier.Key()), zap.Error(err))
			break
		}
		logger.Warn("tier failed, falling back",
			zap.String("tier", tier.Key()),
			zap.String("failure", string(scrape.FailureOf(err))),
			zap.Error(err),
		)
	}

	metrics.ObserveScrape(site, string(req.Kind), string(scrape.FailureOf(lastErr)), 0, s.clock.Now().Sub(start))
	if scrape.IsQuota(lastErr) {
		return scrape.Result{}, fmt.Errorf("scrape %s: %w", req.URL, lastErr)
	}
	return scrape.Result{}, fmt.Errorf("scrape %s: all proxy tiers failed: %w", req.URL, lastErr)
}

// tryTier runs up to the retry budget of attempts on one tier. It returns the
// number of backend calls made.
func (s *Service) tryTier(
	ctx context.Context,
	logger *zap.Logger,
	req scrape.Request,
	tier scrape.Tier,
) (scrape.Result, int, error) {
	made := 0
	for {
		ticket, err := s.pool.Acquire(tier)
		if err != nil {
			metrics.ObserveAttempt(tier.Key(), string(scrape.FailureCircuitOpen))
			return scrape.Result{}, made, err
		}

		started := s.clock.Now()
		result, raw, err := s.attempt(ctx, req, tier)
		if ctx.Err() != nil {
			ticket.Abandon()
			return scrape.Result{}, made, ctx.Err()
		}
		if errors.Is(err, requestqueue.ErrClosed) {
			ticket.Abandon()
			return scrape.Result{}, made, err
		}
		ticket.Done(err)
		made++
		s.record(ctx, logger, req, tier, raw, started, err)

		if err == nil {
			return result, made, nil
		}
		if !s.retry.ShouldRetry(err, made) {
			return scrape.Result{}, made, err
		}
		logger.Debug("retrying tier",
			zap.String("tier", tier.Key()),
			zap.Int("attempt", made),
			zap.Error(err),
		)
		if waitErr := s.retry.Wait(ctx, made-1); waitErr != nil {
			return scrape.Result{}, made, waitErr
		}
	}
}

func (s *Service) attempt(ctx context.Context, req scrape.Request, tier scrape.Tier) (scrape.Result, scrape.RawResponse, error) {
	var raw scrape.RawResponse
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		var execErr error
		raw, execErr = s.backend.Execute(ctx, req, tier)
		return execErr
	})
	if err != nil {
		return scrape.Result{}, raw, annotate(err, tier)
	}
	result, err := classify.Classify(req.Kind, raw)
	if err != nil {
		return scrape.Result{}, raw, annotate(err, tier)
	}
	return result, raw, nil
}

func (s *Service) record(
	ctx context.Context,
	logger *zap.Logger,
	req scrape.Request,
	tier scrape.Tier,
	raw scrape.RawResponse,
	started time.Time,
	err error,
) {
	outcome := scrape.OutcomeOK
	status := raw.StatusCode
	errText := ""
	if err != nil {
		outcome = string(scrape.FailureOf(err))
		errText = err.Error()
		var scrapeErr *scrape.Error
		if errors.As(err, &scrapeErr) && scrapeErr.StatusCode != 0 {
			status = scrapeErr.StatusCode
		}
	}
	metrics.ObserveAttempt(tier.Key(), outcome)
	if s.recorder == nil {
		return
	}

	id, idErr := s.ids.NewID()
	if idErr != nil {
		logger.Warn("attempt id generation failed", zap.Error(idErr))
		return
	}
	attempt := scrape.Attempt{
		ID:          id,
		RequestID:   req.ID,
		URL:         req.URL,
		Kind:        req.Kind,
		Tier:        tier,
		Outcome:     outcome,
		StatusCode:  status,
		Duration:    s.clock.Now().Sub(started),
		ErrorText:   errText,
		AttemptedAt: started,
	}
	if recErr := s.recorder.RecordAttempt(context.WithoutCancel(ctx), attempt); recErr != nil {
		logger.Warn("attempt record failed", zap.String("tier", tier.Key()), zap.Error(recErr))
	}
}

// annotate attaches the tier to typed errors and treats untyped backend
// errors as transient.
func annotate(err error, tier scrape.Tier) error {
	if errors.Is(err, requestqueue.ErrClosed) {
		return err
	}
	var scrapeErr *scrape.Error
	if errors.As(err, &scrapeErr) {
		if scrapeErr.Tier != "" {
			return err
		}
		return scrapeErr.WithTier(tier)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return (&scrape.Error{Failure: scrape.FailureTransient, Err: err}).WithTier(tier)
}

// Validate checks req for fields the backends cannot serve.
func Validate(req scrape.Request) error {
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return scrape.NewError(scrape.FailureInvalidRequest, fmt.Sprintf("url %q is not absolute", req.URL), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return scrape.NewError(scrape.FailureInvalidRequest, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if !req.Kind.Valid() {
		return scrape.NewError(scrape.FailureInvalidRequest, fmt.Sprintf("unknown kind %q", req.Kind), nil)
	}
	for name, v := range map[string]int{"width": req.Width, "height": req.Height} {
		if v != 0 && (v < minViewport || v > maxViewport) {
			return scrape.NewError(scrape.FailureInvalidRequest,
				fmt.Sprintf("%s %d outside %d..%d", name, v, minViewport, maxViewport), nil)
		}
	}
	if c := req.Country; c != "" && (len(c) != 2 || !isAlpha(c)) {
		return scrape.NewError(scrape.FailureInvalidRequest, fmt.Sprintf("country %q is not a two-letter code", c), nil)
	}
	return nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
