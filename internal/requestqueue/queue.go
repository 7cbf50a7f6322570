// Package requestqueue paces outbound scrape calls through a bounded worker pool.
package requestqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/scrape"
)

// ErrClosed is returned for calls submitted to, or stranded in, a closed queue.
var ErrClosed = fmt.Errorf("request %w", scrape.ErrQueueClosed)

// Config controls pool size and pacing.
type Config struct {
	// Workers bounds concurrently running calls. One keeps calls strictly sequential.
	Workers int
	// MinInterval is the minimum gap between the starts of any two calls.
	MinInterval time.Duration
	// Depth bounds calls waiting for a worker.
	Depth int
}

type task struct {
	ctx      context.Context
	fn       func(context.Context) error
	enqueued time.Time
	done     chan error
}

// Queue serializes outbound calls behind a shared start-rate limiter.
type Queue struct {
	cfg     Config
	tasks   chan *task
	limiter *rate.Limiter
	logger  *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Queue. Call Run to start the workers.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Queue{
		cfg:     cfg,
		tasks:   make(chan *task, cfg.Depth),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// Run starts the workers and blocks until ctx ends and every worker has returned.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			q.work(ctx, q.logger.With(zap.Int("worker", index)))
		}(i)
	}
	wg.Wait()
}

// Do submits fn and waits for it to finish. It returns fn's error or a queue error.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	t := &task{
		ctx:      ctx,
		fn:       fn,
		enqueued: time.Now(),
		done:     make(chan error, 1),
	}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.closed:
		return ErrClosed
	case q.tasks <- t:
		metrics.SetRequestQueueDepth(len(q.tasks))
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	case <-q.closed:
		return ErrClosed
	}
}

// Pending returns the number of calls waiting for a worker.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Close stops accepting calls. Waiting callers receive ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

func (q *Queue) work(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case t := <-q.tasks:
			metrics.SetRequestQueueDepth(len(q.tasks))
			q.execute(t, logger)
		}
	}
}

func (q *Queue) execute(t *task, logger *zap.Logger) {
	if err := t.ctx.Err(); err != nil {
		t.done <- fmt.Errorf("skipped: %w", err)
		return
	}
	if err := q.limiter.Wait(t.ctx); err != nil {
		t.done <- fmt.Errorf("pacing wait: %w", err)
		return
	}
	waited := time.Since(t.enqueued)
	metrics.ObserveRequestQueueWait(waited)
	logger.Debug("request dequeued", zap.Duration("waited", waited))

	metrics.IncRequestsInFlight()
	defer metrics.DecRequestsInFlight()
	t.done <- t.fn(t.ctx)
}
