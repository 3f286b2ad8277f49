package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// gate blocks tasks until opened and records start order.
type gate struct {
	mu      sync.Mutex
	order   []string
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) task(name string) Task {
	return func(context.Context) error {
		g.mu.Lock()
		g.order = append(g.order, name)
		g.mu.Unlock()
		<-g.release
		return nil
	}
}

func (g *gate) started() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func waitForStats(t *testing.T, q *Queue, want Stats) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats() == want }, 2*time.Second, 2*time.Millisecond, "want %+v got %+v", want, q.Stats())
}

func TestQueueBoundsConcurrency(t *testing.T) {
	q := New(2)
	g := newGate()
	var wg sync.WaitGroup
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			require.NoError(t, q.Add(context.Background(), g.task(name)))
		}(name)
		// Serialize submissions so queue order is deterministic.
		if name == "t1" || name == "t2" {
			require.Eventually(t, func() bool { return len(g.started()) == map[string]int{"t1": 1, "t2": 2}[name] }, time.Second, time.Millisecond)
		} else {
			want := map[string]int{"t3": 1, "t4": 2, "t5": 3}[name]
			require.Eventually(t, func() bool { return q.Stats().QueuedHigh == want }, time.Second, time.Millisecond)
		}
	}

	require.Equal(t, Stats{Limit: 2, Running: 2, QueuedHigh: 3}, q.Stats())
	require.Equal(t, []string{"t1", "t2"}, g.started())

	close(g.release)
	wg.Wait()
	require.Len(t, g.started(), 5)
	require.Equal(t, []string{"t1", "t2"}, g.started()[:2])
	require.ElementsMatch(t, []string{"t3", "t4", "t5"}, g.started()[2:])
	require.Equal(t, Stats{Limit: 2}, q.Stats())
}

func TestQueueRunsQueuedTasksFIFO(t *testing.T) {
	q := New(1)
	blocker := make(chan struct{})
	var order []int
	var mu sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Add(context.Background(), func(context.Context) error {
			<-blocker
			return nil
		})
	}()
	waitForStats(t, q, Stats{Limit: 1, Running: 1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Add(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitForStats(t, q, Stats{Limit: 1, Running: 1, QueuedHigh: i + 1})
	}

	close(blocker)
	wg.Wait()
	<-done
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestQueuePrefersHighPriority(t *testing.T) {
	q := New(1)
	blocker := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	go func() {
		_ = q.Add(context.Background(), func(context.Context) error {
			<-blocker
			return nil
		})
	}()
	waitForStats(t, q, Stats{Limit: 1, Running: 1})

	var wg sync.WaitGroup
	submit := func(p Priority, name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.AddWithPriority(context.Background(), p, record(name))
		}()
	}
	submit(PriorityLow, "low-1")
	waitForStats(t, q, Stats{Limit: 1, Running: 1, QueuedLow: 1})
	submit(PriorityLow, "low-2")
	waitForStats(t, q, Stats{Limit: 1, Running: 1, QueuedLow: 2})
	submit(PriorityHigh, "high-1")
	waitForStats(t, q, Stats{Limit: 1, Running: 1, QueuedHigh: 1, QueuedLow: 2})
	require.False(t, q.Idle())

	close(blocker)
	wg.Wait()
	require.Equal(t, []string{"high-1", "low-1", "low-2"}, order)
	require.True(t, q.Idle())
}

func TestQueueIsolatesFailures(t *testing.T) {
	q := New(2)
	boom := errors.New("render failed")
	var ran atomic.Int32

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.Add(context.Background(), func(context.Context) error {
				ran.Add(1)
				if i%2 == 0 {
					return boom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(6), ran.Load())
	for i, err := range errs {
		if i%2 == 0 {
			require.ErrorIs(t, err, boom)
		} else {
			require.NoError(t, err)
		}
	}
	require.Equal(t, Stats{Limit: 2}, q.Stats())
}

func TestQueueRecoversPanics(t *testing.T) {
	q := New(1)
	err := q.Add(context.Background(), func(context.Context) error { panic("bad slide") })
	require.Error(t, err)
	require.NoError(t, q.Add(context.Background(), func(context.Context) error { return nil }))
}

func TestQueueWithdrawsCancelledWaiter(t *testing.T) {
	q := New(1)
	blocker := make(chan struct{})
	go func() {
		_ = q.Add(context.Background(), func(context.Context) error {
			<-blocker
			return nil
		})
	}()
	waitForStats(t, q, Stats{Limit: 1, Running: 1})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Add(ctx, func(context.Context) error {
			t.Error("withdrawn task must not run")
			return nil
		})
	}()
	waitForStats(t, q, Stats{Limit: 1, Running: 1, QueuedHigh: 1})
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	waitForStats(t, q, Stats{Limit: 1, Running: 1})

	close(blocker)
	waitForStats(t, q, Stats{Limit: 1})
}

func TestRunReturnsValue(t *testing.T) {
	q := New(0)
	require.Equal(t, DefaultConcurrency, q.Stats().Limit)
	v, err := Run(context.Background(), q, PriorityLow, func(context.Context) (string, error) {
		return "thumb", nil
	})
	require.NoError(t, err)
	require.Equal(t, "thumb", v)
}

func TestQueueClose(t *testing.T) {
	q := New(1, WithName("thumbnails"))
	q.Close()
	require.ErrorIs(t, q.Add(context.Background(), func(context.Context) error { return nil }), ErrClosed)
	require.Error(t, q.Add(context.Background(), nil))
}

func TestPriorityString(t *testing.T) {
	require.Equal(t, "high", PriorityHigh.String())
	require.Equal(t, "low", PriorityLow.String())
	require.Equal(t, "unknown", Priority(7).String())
}
