package requestqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestQueue_EnforcesMinInterval(t *testing.T) {
	t.Parallel()

	interval := 40 * time.Millisecond
	q := startQueue(t, Config{Workers: 2, MinInterval: interval})

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		require.GreaterOrEqual(t, gap, interval-5*time.Millisecond, "gap %d was %v", i, gap)
	}
}

func TestQueue_SingleWorkerIsSequential(t *testing.T) {
	t.Parallel()

	q := startQueue(t, Config{Workers: 1})

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	q := startQueue(t, Config{Workers: 3})

	release := make(chan struct{})
	var running atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func(context.Context) error {
				running.Add(1)
				<-release
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), running.Load())
	close(release)
	wg.Wait()
	require.Equal(t, int32(5), running.Load())
}

func TestQueue_ReturnsTaskError(t *testing.T) {
	t.Parallel()

	q := startQueue(t, Config{})
	want := errors.New("upstream failed")
	err := q.Do(context.Background(), func(context.Context) error { return want })
	require.ErrorIs(t, err, want)
}

func TestQueue_SkipsCanceledTask(t *testing.T) {
	t.Parallel()

	q := New(Config{Workers: 1, Depth: 2}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := q.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestQueue_Closed(t *testing.T) {
	t.Parallel()

	q := New(Config{}, zap.NewNop())
	q.Close()
	q.Close()
	err := q.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	q := New(Config{Depth: 1}, zap.NewNop())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(context.Background(), func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return q.Pending() == 1 }, time.Second, 5*time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}
