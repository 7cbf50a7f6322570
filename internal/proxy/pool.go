// Package proxy builds the proxy fallback chain and tracks the health of each tier.
package proxy

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/scrape"
)

// Config describes the fallback chain and breaker tuning.
type Config struct {
	// DefaultCountry is used when a request names no country.
	DefaultCountry string
	// FallbackCountry is the secondary ISP tier, normally US.
	FallbackCountry string
	// Residential enables the final tier without an ISP proxy.
	Residential bool
	// DisableISP drops both ISP tiers regardless of the request country.
	DisableISP bool
	Breaker    BreakerConfig
}

// BreakerConfig tunes the per-tier circuit breakers.
type BreakerConfig struct {
	Window         time.Duration
	Cooldown       time.Duration
	MinRequests    uint32
	FailureRatio   float64
	HalfOpenProbes uint32
}

// Health is a point-in-time view of one tier.
type Health struct {
	Key                 string           `json:"key"`
	Name                string           `json:"name"`
	Kind                scrape.ProxyKind `json:"kind"`
	Country             string           `json:"country,omitempty"`
	State               string           `json:"state"`
	Attempts            int              `json:"attempts"`
	Successes           int              `json:"successes"`
	Failures            int              `json:"failures"`
	Rejections          int              `json:"rejections"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSuccess         *time.Time       `json:"last_success,omitempty"`
	LastFailure         *time.Time       `json:"last_failure,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
}

type entry struct {
	tier    scrape.Tier
	breaker *gobreaker.TwoStepCircuitBreaker

	mu     sync.Mutex
	health Health
}

// Pool owns the breakers and health counters for every tier seen so far.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewPool builds a Pool.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker.MinRequests = 5
	}
	if cfg.Breaker.FailureRatio <= 0 || cfg.Breaker.FailureRatio > 1 {
		cfg.Breaker.FailureRatio = 0.5
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenProbes == 0 {
		cfg.Breaker.HalfOpenProbes = 1
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

// Tiers returns the fallback chain for a request country, in attempt order.
func (p *Pool) Tiers(country string) []scrape.Tier {
	primary := normalizeCountry(country)
	if primary == "" {
		primary = normalizeCountry(p.cfg.DefaultCountry)
	}
	fallback := normalizeCountry(p.cfg.FallbackCountry)

	if p.cfg.DisableISP {
		primary, fallback = "", ""
	}

	tiers := make([]scrape.Tier, 0, 3)
	if primary != "" {
		tiers = append(tiers, scrape.Tier{Name: "isp-primary", Kind: scrape.ProxyISP, Country: primary})
	}
	if fallback != "" && fallback != primary {
		tiers = append(tiers, scrape.Tier{Name: "isp-fallback", Kind: scrape.ProxyISP, Country: fallback})
	}
	if p.cfg.Residential {
		tiers = append(tiers, scrape.Tier{Name: "residential", Kind: scrape.ProxyResidential})
	}
	return tiers
}

// Ticket is an admitted attempt on a tier. Done must be called exactly once.
type Ticket struct {
	pool  *Pool
	entry *entry
	done  func(success bool)
}

// Acquire asks the tier's breaker for admission.
func (p *Pool) Acquire(tier scrape.Tier) (*Ticket, error) {
	e := p.entryFor(tier)
	done, err := e.breaker.Allow()
	if err != nil {
		e.mu.Lock()
		e.health.Rejections++
		e.mu.Unlock()
		msg := "breaker open"
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			msg = "breaker half-open, probe in flight"
		}
		return nil, (&scrape.Error{Failure: scrape.FailureCircuitOpen, Message: msg, Err: err}).WithTier(tier)
	}
	return &Ticket{pool: p, entry: e, done: done}, nil
}

// Done reports the attempt outcome to the breaker and health counters.
func (t *Ticket) Done(err error) {
	failed := countsAsFailure(err)
	t.done(!failed)

	now := t.pool.now()
	e := t.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.Attempts++
	if failed {
		e.health.Failures++
		e.health.ConsecutiveFailures++
		e.health.LastFailure = &now
		e.health.LastError = err.Error()
		return
	}
	if err == nil {
		e.health.Successes++
		e.health.ConsecutiveFailures = 0
		e.health.LastSuccess = &now
	}
}

// Abandon releases the ticket without judging the tier, for attempts cut short
// by the caller.
func (t *Ticket) Abandon() {
	t.done(true)
}

// Snapshot returns the health of every known tier sorted by key.
func (p *Pool) Snapshot() []Health {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	out := make([]Health, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		h := e.health
		e.mu.Unlock()
		h.State = e.breaker.State().String()
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// State returns the breaker state for a tier.
func (p *Pool) State(tier scrape.Tier) gobreaker.State {
	return p.entryFor(tier).breaker.State()
}

func (p *Pool) entryFor(tier scrape.Tier) *entry {
	key := tier.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e
	}
	e := &entry{
		tier: tier,
		health: Health{
			Key:     key,
			Name:    tier.Name,
			Kind:    tier.Kind,
			Country: tier.Country,
		},
	}
	e.breaker = gobreaker.NewTwoStepCircuitBreaker(p.settings(key))
	metrics.SetBreakerState(key, stateValue(gobreaker.StateClosed))
	p.entries[key] = e
	return e
}

func (p *Pool) settings(key string) gobreaker.Settings {
	bc := p.cfg.Breaker
	return gobreaker.Settings{
		Name:        key,
		MaxRequests: bc.HalfOpenProbes,
		Interval:    bc.Window,
		Timeout:     bc.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, stateValue(to))
			p.logger.Warn("proxy breaker state changed",
				zap.String("tier", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

// countsAsFailure judges the tier. Context and shutdown errors raised on the
// caller side say nothing about the proxy; a backend timeout arrives wrapped in
// a *scrape.Error and still counts.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var scrapeErr *scrape.Error
	if !errors.As(err, &scrapeErr) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, scrape.ErrQueueClosed)) {
		return false
	}
	switch scrape.FailureOf(err) {
	case scrape.FailureQuota, scrape.FailureInvalidRequest:
		return false
	default:
		return true
	}
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func normalizeCountry(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
