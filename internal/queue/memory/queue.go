// Package memory provides an in-process report task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/webability/scrapegate/internal/scrape"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = scrape.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan scrape.ReportTask
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan scrape.ReportTask, capacity),
	}
}

// Enqueue pushes a task or returns when ctx ends. A full queue blocks.
func (q *Queue) Enqueue(ctx context.Context, task scrape.ReportTask) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scrape.ReportTask, error) {
	select {
	case <-ctx.Done():
		return scrape.ReportTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return scrape.ReportTask{}, ErrClosed
		}
		return task, nil
	}
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. Buffered tasks are still delivered.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
