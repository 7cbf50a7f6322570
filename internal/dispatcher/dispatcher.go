// Package dispatcher accepts report jobs and fans queued work out to workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/metrics"
	"github.com/webability/scrapegate/internal/scrape"
	"github.com/webability/scrapegate/internal/worker"
)

// ErrJobFinished is returned when canceling a job that already finished.
var ErrJobFinished = errors.New("job already finished")

// Dispatcher owns job submission, cancellation and the worker pool.
type Dispatcher struct {
	queue   scrape.TaskQueue
	jobs    scrape.JobStore
	ids     scrape.IDGenerator
	clock   scrape.Clock
	cancels *worker.Registry
	workers []*worker.Worker
	logger  *zap.Logger
}

// Options wires a Dispatcher.
type Options struct {
	Queue   scrape.TaskQueue
	Jobs    scrape.JobStore
	IDs     scrape.IDGenerator
	Clock   scrape.Clock
	Cancels *worker.Registry
	Workers []*worker.Worker
	Logger  *zap.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cancels == nil {
		opts.Cancels = worker.NewRegistry()
	}
	return &Dispatcher{
		queue:   opts.Queue,
		jobs:    opts.Jobs,
		ids:     opts.IDs,
		clock:   opts.Clock,
		cancels: opts.Cancels,
		workers: opts.Workers,
		logger:  opts.Logger,
	}
}

// Run starts all workers and blocks until they exit.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Submit creates a queued job for url and enqueues its task.
func (d *Dispatcher) Submit(ctx context.Context, url, country string) (scrape.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := scrape.Job{
		ID:        id,
		URL:       url,
		Country:   country,
		Status:    scrape.JobStatusQueued,
		Submitted: d.clock.Now(),
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	task := scrape.ReportTask{
		JobID:     id,
		URL:       url,
		Country:   country,
		Submitted: job.Submitted.Unix(),
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		_, updErr := d.jobs.UpdateJob(context.WithoutCancel(ctx), id, func(j *scrape.Job) {
			j.Status = scrape.JobStatusFailed
			j.ErrorText = "enqueue failed: " + err.Error()
		})
		if updErr != nil {
			d.logger.Error("mark unqueued job failed", zap.String("job_id", id), zap.Error(updErr))
		}
		return scrape.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveReportJob(string(scrape.JobStatusQueued))
	d.logger.Info("report job queued", zap.String("job_id", id), zap.String("url", url))
	return job, nil
}

// Cancel marks a queued or running job canceled and stops its worker.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (scrape.Job, error) {
	var finished bool
	job, err := d.jobs.UpdateJob(ctx, jobID, func(j *scrape.Job) {
		if j.Status.Terminal() {
			finished = true
			return
		}
		j.Status = scrape.JobStatusCanceled
		j.ErrorText = "canceled by request"
	})
	if err != nil {
		return scrape.Job{}, err
	}
	if finished {
		return job, ErrJobFinished
	}
	running := d.cancels.Cancel(jobID)
	metrics.ObserveReportJob(string(scrape.JobStatusCanceled))
	d.logger.Info("report job canceled", zap.String("job_id", jobID), zap.Bool("was_running", running))
	return job, nil
}

// Get returns a job by ID.
func (d *Dispatcher) Get(ctx context.Context, jobID string) (scrape.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}
