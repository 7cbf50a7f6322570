// Package worker runs accessibility report jobs pulled from the task queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/audit"
	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/scrape"
)

// Event names published on job completion.
const (
	EventReportCompleted = "report.completed"
	EventReportFailed    = "report.failed"
)

var tracer = otel.Tracer("github.com/webability/scrapegate/internal/worker")

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds one job end to end. Zero means no limit.
	JobTimeout time.Duration
	BlobPrefix string
}

// Deps holds the collaborators shared by every worker.
type Deps struct {
	Queue     scrape.TaskQueue
	Jobs      scrape.JobStore
	Blobs     scrape.BlobStore
	Publisher scrape.Publisher
	Scraper   scrape.Scraper
	Hasher    scrape.Hasher
	Clock     scrape.Clock
	Cancels   *Registry
}

// Worker consumes report tasks and executes the audit pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Cancels == nil {
		deps.Cancels = NewRegistry()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued report task", zap.String("job_id", task.JobID))
		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task scrape.ReportTask) {
	logger := w.logger.With(zap.String("job_id", task.JobID), zap.String("url", task.URL))

	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()
	w.deps.Cancels.register(task.JobID, cancel)
	defer w.deps.Cancels.unregister(task.JobID)

	job, err := w.deps.Jobs.UpdateJob(ctx, task.JobID, func(j *scrape.Job) {
		if j.Status == scrape.JobStatusQueued {
			j.Status = scrape.JobStatusRunning
		}
	})
	if err != nil {
		logger.Warn("report job unavailable", zap.Error(err))
		return
	}
	if job.Status != scrape.JobStatusRunning {
		logger.Info("report job skipped", zap.String("status", string(job.Status)))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx, span := tracer.Start(jobCtx, "report",
		trace.WithAttributes(attribute.String("job.id", task.JobID), attribute.String("url.full", task.URL)))
	defer span.End()

	if err := w.runReport(jobCtx, logger, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(scrape.FailureOf(err)))
		w.fail(ctx, jobCtx, logger, task, err)
	}
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) runReport(ctx context.Context, logger *zap.Logger, task scrape.ReportTask) error {
	result, err := w.deps.Scraper.Scrape(ctx, scrape.Request{
		ID:      task.JobID,
		URL:     task.URL,
		Kind:    scrape.KindHTML,
		Country: task.Country,
	})
	if err != nil {
		return fmt.Errorf("scrape page: %w", err)
	}

	report, err := audit.Analyze(task.URL, result.HTML, w.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("analyze page: %w", err)
	}
	tier := result.Tier.Key()
	report.Tier = tier

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	hash, err := w.deps.Hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash report: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.blobPath(task.JobID, hash), "application/json", data)
	if err != nil {
		return fmt.Errorf("put report: %w", err)
	}

	summary := report.Summary
	job, err := w.deps.Jobs.UpdateJob(ctx, task.JobID, func(j *scrape.Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = scrape.JobStatusSucceeded
		j.Tier = tier
		j.ReportURI = uri
		j.Summary = &summary
		j.Report = data
	})
	if err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	if job.Status != scrape.JobStatusSucceeded {
		logger.Info("report finished after job left running state", zap.String("status", string(job.Status)))
		return nil
	}
	metrics.ObserveReportJob(string(scrape.JobStatusSucceeded))
	logger.Info("report completed",
		zap.String("tier", tier),
		zap.Int("score", summary.Score),
		zap.Int("issues", summary.Issues),
		zap.String("report_uri", uri),
	)

	w.publish(ctx, logger, EventReportCompleted, map[string]any{
		"job_id":      task.JobID,
		"url":         task.URL,
		"tier":        tier,
		"score":       summary.Score,
		"issues":      summary.Issues,
		"report_uri":  uri,
		"hash":        hash,
		"finished_at": w.deps.Clock.Now().Format(time.RFC3339),
	})
	return nil
}

// fail marks the job failed, or canceled when the caller canceled it.
func (w *Worker) fail(ctx, jobCtx context.Context, logger *zap.Logger, task scrape.ReportTask, cause error) {
	status := scrape.JobStatusFailed
	if errors.Is(jobCtx.Err(), context.Canceled) && ctx.Err() == nil {
		status = scrape.JobStatusCanceled
	}
	failure := scrape.FailureOf(cause)
	if errors.Is(cause, context.DeadlineExceeded) && failure == "" {
		failure = scrape.FailureTransient
	}

	// use a detached context so shutdown does not leave the job running
	updateCtx := context.WithoutCancel(ctx)
	job, err := w.deps.Jobs.UpdateJob(updateCtx, task.JobID, func(j *scrape.Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = status
		j.ErrorText = cause.Error()
		j.Failure = failure
	})
	if err != nil {
		logger.Error("fail job status update", zap.Error(err))
		return
	}
	metrics.ObserveReportJob(string(job.Status))
	if job.Status == scrape.JobStatusCanceled {
		logger.Info("report canceled")
		return
	}
	logger.Warn("report failed", zap.String("failure", string(failure)), zap.Error(cause))
	w.publish(updateCtx, logger, EventReportFailed, map[string]any{
		"job_id":  task.JobID,
		"url":     task.URL,
		"failure": failure,
		"error":   cause.Error(),
	})
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, event string, payload map[string]any) {
	if w.deps.Publisher == nil {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, event, payload)
	if err != nil {
		logger.Warn("event publish failed", zap.String("event", event), zap.Error(err))
		return
	}
	logger.Debug("event published", zap.String("event", event), zap.String("message_id", id))
}

func (w *Worker) blobPath(jobID, hash string) string {
	if w.cfg.BlobPrefix == "" {
		return fmt.Sprintf("reports/%s/%s.json", jobID, hash)
	}
	return fmt.Sprintf("%s/reports/%s/%s.json", w.cfg.BlobPrefix, jobID, hash)
}

// Registry tracks cancel functions of running jobs.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Cancel stops the running job, reporting whether one was running.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Registry) register(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

func (r *Registry) unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}
