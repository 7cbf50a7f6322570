package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/webability/scrapegate/internal/scrape"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewJobStore(time.Hour, clock)
	ctx := context.Background()
	job := scrape.Job{ID: "job-1", URL: "https://shop.example"}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}

	clock.Advance(time.Second)
	running, err := store.UpdateJob(ctx, job.ID, func(j *scrape.Job) { j.Status = scrape.JobStatusRunning })
	if err != nil {
		t.Fatalf("UpdateJob running error = %v", err)
	}
	if running.Started == nil || running.Finished != nil {
		t.Fatalf("expected only Started set, got %+v", running)
	}

	clock.Advance(time.Second)
	_, err = store.UpdateJob(ctx, job.ID, func(j *scrape.Job) {
		j.Status = scrape.JobStatusSucceeded
		j.Summary = &scrape.ReportSummary{Score: 90, Issues: 1}
		j.ID = "tampered"
	})
	if err != nil {
		t.Fatalf("UpdateJob succeeded error = %v", err)
	}
	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != scrape.JobStatusSucceeded || final.Finished == nil || final.Summary.Score != 90 {
		t.Fatalf("expected finished job with summary, got %+v", final)
	}
	if final.Submitted != time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("expected submission stamp, got %v", final.Submitted)
	}
	if !final.Finished.After(*final.Started) {
		t.Fatalf("expected Finished after Started, got %+v", final)
	}

	if _, err := store.UpdateJob(ctx, "missing", func(*scrape.Job) {}); !errors.Is(err, scrape.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStoreExpiry(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	store := NewJobStore(10*time.Minute, clock)
	ctx := context.Background()

	for _, id := range []string{"finished", "stalled"} {
		if err := store.CreateJob(ctx, scrape.Job{ID: id}); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", id, err)
		}
	}
	clock.Advance(5 * time.Minute)
	if _, err := store.UpdateJob(ctx, "finished", func(j *scrape.Job) { j.Status = scrape.JobStatusFailed }); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	// stalled expires ttl after submission; finished ttl after it finished
	clock.Advance(6 * time.Minute)
	if _, err := store.GetJob(ctx, "stalled"); !errors.Is(err, scrape.ErrJobNotFound) {
		t.Fatalf("expected stalled job to expire, got %v", err)
	}
	if _, err := store.GetJob(ctx, "finished"); err != nil {
		t.Fatalf("expected finished job to survive, got %v", err)
	}

	if removed := store.Sweep(start.Add(15 * time.Minute)); removed != 1 {
		t.Fatalf("expected one swept job, got %d", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d jobs", store.Len())
	}
}

func TestJobStoreJanitor(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewJobStore(time.Minute, clock)
	if err := store.CreateJob(context.Background(), scrape.Job{ID: "old"}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for store.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("janitor did not sweep expired job")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
