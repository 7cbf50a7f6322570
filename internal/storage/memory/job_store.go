package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/webability/scrapegate/internal/clock/system"
	"github.com/webability/scrapegate/internal/scrape"
)

// JobStore keeps report jobs in memory and forgets them after a TTL.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]scrape.Job
	ttl   time.Duration
	clock scrape.Clock
}

// NewJobStore constructs a JobStore. A non-positive ttl keeps jobs forever.
func NewJobStore(ttl time.Duration, clock scrape.Clock) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	return &JobStore{
		jobs:  make(map[string]scrape.Job),
		ttl:   ttl,
		clock: clock,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.Submitted.IsZero() {
		job.Submitted = s.clock.Now()
	}
	if job.Status == "" {
		job.Status = scrape.JobStatusQueued
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob applies mutate to the stored job and stamps Started/Finished on
// status transitions.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, mutate func(*scrape.Job)) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(jobID)
	if !ok {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	mutate(&job)
	job.ID = jobID
	now := s.clock.Now()
	if job.Status == scrape.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if job.Status.Terminal() && job.Finished == nil {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return job, nil
}

// GetJob fetches a job by ID. Expired jobs are evicted and reported missing.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(jobID)
	if !ok {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	return job, nil
}

// Len returns the number of stored jobs, expired or not.
func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Sweep removes every job expired at now and returns how many were removed.
func (s *JobStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if s.expired(job, now) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps expired jobs every interval until ctx ends.
func (s *JobStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.clock.Now())
		}
	}
}

// lookup must be called with mu held.
func (s *JobStore) lookup(jobID string) (scrape.Job, bool) {
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, false
	}
	if s.expired(job, s.clock.Now()) {
		delete(s.jobs, jobID)
		return scrape.Job{}, false
	}
	return job, true
}

func (s *JobStore) expired(job scrape.Job, now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	anchor := job.Submitted
	if job.Finished != nil {
		anchor = *job.Finished
	}
	return !now.Before(anchor.Add(s.ttl))
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
