package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/hash/sha256"
	queuememory "github.com/webability/scrapegate/internal/queue/memory"
	"github.com/webability/scrapegate/internal/scrape"
	"github.com/webability/scrapegate/internal/storage/memory"
	"github.com/webability/scrapegate/internal/worker"
)

type staticIDs struct{ ids []string }

func (s *staticIDs) NewID() (string, error) {
	if len(s.ids) == 0 {
		return "", errors.New("out of ids")
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

type failingQueue struct{ err error }

func (q failingQueue) Enqueue(context.Context, scrape.ReportTask) error { return q.err }
func (q failingQueue) Dequeue(ctx context.Context) (scrape.ReportTask, error) {
	<-ctx.Done()
	return scrape.ReportTask{}, ctx.Err()
}

type htmlScraper struct{}

func (htmlScraper) Scrape(_ context.Context, req scrape.Request) (scrape.Result, error) {
	return scrape.Result{URL: req.URL, HTML: `<html lang="en"><head><title>t</title></head><body></body></html>`, Tier: scrape.Tier{Kind: scrape.ProxyResidential}}, nil
}

func TestDispatcherSubmitRunsJob(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue(2)
	jobs := memory.NewJobStore(time.Hour, fixedClock{})
	cancels := worker.NewRegistry()
	w := worker.New(worker.Deps{
		Queue:   queue,
		Jobs:    jobs,
		Blobs:   memory.NewBlobStore(),
		Scraper: htmlScraper{},
		Hasher:  sha256.New(),
		Clock:   fixedClock{},
		Cancels: cancels,
	}, worker.Config{}, zap.NewNop())
	d := New(Options{
		Queue:   queue,
		Jobs:    jobs,
		IDs:     &staticIDs{ids: []string{"job-1"}},
		Clock:   fixedClock{},
		Cancels: cancels,
		Workers: []*worker.Worker{w},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	job, err := d.Submit(context.Background(), "https://shop.example", "FR")
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, scrape.JobStatusQueued, job.Status)

	require.Eventually(t, func() bool {
		got, err := d.Get(context.Background(), "job-1")
		return err == nil && got.Status == scrape.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	_, err = d.Cancel(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrJobFinished)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherSubmitEnqueueFailure(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore(time.Hour, fixedClock{})
	d := New(Options{
		Queue: failingQueue{err: errors.New("queue full")},
		Jobs:  jobs,
		IDs:   &staticIDs{ids: []string{"job-2"}},
		Clock: fixedClock{},
	})

	_, err := d.Submit(context.Background(), "https://shop.example", "")
	require.ErrorContains(t, err, "queue enqueue: queue full")

	job, err := jobs.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "enqueue failed")
}

func TestDispatcherCancelQueuedJob(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore(time.Hour, fixedClock{})
	d := New(Options{
		Queue: queuememory.NewQueue(1),
		Jobs:  jobs,
		IDs:   &staticIDs{ids: []string{"job-3"}},
		Clock: fixedClock{},
	})

	_, err := d.Submit(context.Background(), "https://shop.example", "")
	require.NoError(t, err)
	job, err := d.Cancel(context.Background(), "job-3")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCanceled, job.Status)
	require.NotNil(t, job.Finished)

	_, err = d.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
	_, err = d.Get(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestDispatcherSubmitIDFailure(t *testing.T) {
	t.Parallel()

	d := New(Options{Queue: queuememory.NewQueue(1), Jobs: memory.NewJobStore(0, nil), IDs: &staticIDs{}, Clock: fixedClock{}})
	_, err := d.Submit(context.Background(), "https://shop.example", "")
	require.ErrorContains(t, err, "generate job id")
}
