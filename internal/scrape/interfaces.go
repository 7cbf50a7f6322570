package scrape

import (
	"context"
	"time"
)

// Backend performs one outbound call for a request through a proxy tier.
type Backend interface {
	Execute(ctx context.Context, req Request, tier Tier) (RawResponse, error)
}

// Scraper serves a Request through the full fallback chain.
type Scraper interface {
	Scrape(ctx context.Context, req Request) (Result, error)
}

// AttemptRecorder persists per-attempt audit rows.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// JobStore persists report jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, mutate func(*Job)) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TaskQueue provides enqueue/dequeue semantics for report tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, task ReportTask) error
	Dequeue(ctx context.Context) (ReportTask, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
