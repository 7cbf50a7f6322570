package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/audit"
	"github.com/webability/scrapegate/internal/hash/sha256"
	pubmemory "github.com/webability/scrapegate/internal/publisher/memory"
	queuememory "github.com/webability/scrapegate/internal/queue/memory"
	"github.com/webability/scrapegate/internal/scrape"
	"github.com/webability/scrapegate/internal/storage/memory"
)

const page = `<html lang="en"><head><title>Shop</title></head><body><h1>Shop</h1><img src="/a.png"></body></html>`

type fakeScraper struct {
	mu      sync.Mutex
	calls   []scrape.Request
	scrape  func(ctx context.Context, req scrape.Request) (scrape.Result, error)
	started chan struct{}
}

func (f *fakeScraper) Scrape(ctx context.Context, req scrape.Request) (scrape.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.scrape != nil {
		return f.scrape(ctx, req)
	}
	return scrape.Result{URL: req.URL, Kind: scrape.KindHTML, StatusCode: 200, HTML: page, Tier: scrape.Tier{Kind: scrape.ProxyISP, Country: "DE"}, Attempts: 1}, nil
}

func (f *fakeScraper) Calls() []scrape.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scrape.Request(nil), f.calls...)
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type harness struct {
	queue     *queuememory.Queue
	jobs      *memory.JobStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	scraper   *fakeScraper
	cancels   *Registry
	worker    *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		queue:     queuememory.NewQueue(4),
		jobs:      memory.NewJobStore(time.Hour, clock),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		scraper:   &fakeScraper{},
		cancels:   NewRegistry(),
	}
	h.worker = New(Deps{
		Queue:     h.queue,
		Jobs:      h.jobs,
		Blobs:     h.blobs,
		Publisher: h.publisher,
		Scraper:   h.scraper,
		Hasher:    sha256.New(),
		Clock:     clock,
		Cancels:   h.cancels,
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) create(t *testing.T, id string) scrape.ReportTask {
	t.Helper()
	require.NoError(t, h.jobs.CreateJob(context.Background(), scrape.Job{ID: id, URL: "https://shop.example", Country: "DE"}))
	return scrape.ReportTask{JobID: id, URL: "https://shop.example", Country: "DE"}
}

func TestWorker_RunCompletesReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := h.create(t, "job-1")
	require.NoError(t, h.queue.Enqueue(context.Background(), task))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := h.jobs.GetJob(context.Background(), "job-1")
		return err == nil && job.Status == scrape.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	job, err := h.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "isp:de", job.Tier)
	require.NotNil(t, job.Summary)
	require.Equal(t, 90, job.Summary.Score)
	require.True(t, strings.HasPrefix(job.ReportURI, "memory://reports/job-1/"))
	require.True(t, strings.HasSuffix(job.ReportURI, ".json"))
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)

	var report audit.Report
	require.NoError(t, json.Unmarshal(job.Report, &report))
	require.Len(t, report.Issues, 1)
	require.Equal(t, "image-alt", report.Issues[0].Rule)

	stored, contentType, ok := h.blobs.Object(strings.TrimPrefix(job.ReportURI, "memory://"))
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	require.JSONEq(t, string(job.Report), string(stored))

	events := h.publisher.Messages(EventReportCompleted)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "job-1", payload["job_id"])
	require.Equal(t, 90, payload["score"])

	calls := h.scraper.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, scrape.KindHTML, calls[0].Kind)
	require.Equal(t, "DE", calls[0].Country)

	h.queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorker_ScrapeFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.scraper.scrape = func(context.Context, scrape.Request) (scrape.Result, error) {
		return scrape.Result{}, scrape.NewError(scrape.FailureQuota, "insufficient balance", nil)
	}
	task := h.create(t, "job-quota")
	h.worker.processTask(context.Background(), task)

	job, err := h.jobs.GetJob(context.Background(), "job-quota")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Equal(t, scrape.FailureQuota, job.Failure)
	require.Contains(t, job.ErrorText, "insufficient balance")
	require.Nil(t, job.Summary)
	require.Len(t, h.publisher.Messages(EventReportFailed), 1)
	require.Empty(t, h.publisher.Messages(EventReportCompleted))
}

func TestWorker_SkipsCanceledJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	task := h.create(t, "job-canceled")
	_, err := h.jobs.UpdateJob(context.Background(), "job-canceled", func(j *scrape.Job) {
		j.Status = scrape.JobStatusCanceled
	})
	require.NoError(t, err)

	h.worker.processTask(context.Background(), task)
	require.Empty(t, h.scraper.Calls())
	require.Empty(t, h.publisher.Messages())
}

func TestWorker_SkipsExpiredJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.worker.processTask(context.Background(), scrape.ReportTask{JobID: "never-created", URL: "https://shop.example"})
	require.Empty(t, h.scraper.Calls())
}

func TestWorker_CancelStopsRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.scraper.started = make(chan struct{})
	h.scraper.scrape = func(ctx context.Context, _ scrape.Request) (scrape.Result, error) {
		<-ctx.Done()
		return scrape.Result{}, ctx.Err()
	}
	task := h.create(t, "job-running")

	done := make(chan struct{})
	go func() {
		h.worker.processTask(context.Background(), task)
		close(done)
	}()
	<-h.scraper.started

	_, err := h.jobs.UpdateJob(context.Background(), "job-running", func(j *scrape.Job) {
		j.Status = scrape.JobStatusCanceled
	})
	require.NoError(t, err)
	require.True(t, h.cancels.Cancel("job-running"))
	<-done

	job, err := h.jobs.GetJob(context.Background(), "job-running")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCanceled, job.Status)
	require.Empty(t, h.publisher.Messages())
	require.False(t, h.cancels.Cancel("job-running"))
}

func TestWorker_JobTimeoutFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{JobTimeout: 20 * time.Millisecond})
	h.scraper.scrape = func(ctx context.Context, _ scrape.Request) (scrape.Result, error) {
		<-ctx.Done()
		return scrape.Result{}, ctx.Err()
	}
	task := h.create(t, "job-slow")
	h.worker.processTask(context.Background(), task)

	job, err := h.jobs.GetJob(context.Background(), "job-slow")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Equal(t, scrape.FailureTransient, job.Failure)
}

func TestWorker_PublishFailureKeepsReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BlobPrefix: "a11y"})
	h.publisher.FailWith(errors.New("broker down"))
	task := h.create(t, "job-pub")
	h.worker.processTask(context.Background(), task)

	job, err := h.jobs.GetJob(context.Background(), "job-pub")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusSucceeded, job.Status)
	require.True(t, strings.HasPrefix(job.ReportURI, "memory://a11y/reports/job-pub/"))
}
