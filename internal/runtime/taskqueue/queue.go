// Package taskqueue bounds how many jobs run at once. Jobs beyond the limit
// wait in one of two lanes; a freed slot goes to the oldest high-priority
// waiter, then to the oldest low-priority waiter.
package taskqueue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/slideforge/internal/metrics"
)

// DefaultConcurrency is used when New receives a non-positive limit.
const DefaultConcurrency = 3

// ErrClosed is returned for tasks added after Close.
var ErrClosed = errors.New("taskqueue: closed")

// Priority selects the waiting lane for a task.
type Priority int

const (
	// PriorityHigh is for user-triggered, latency-sensitive work.
	PriorityHigh Priority = iota
	// PriorityLow is for background and bulk work.
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Task is one unit of scheduled work. It is never retried by the queue.
type Task func(ctx context.Context) error

// Stats reports the scheduler's current occupancy.
type Stats struct {
	Limit      int `json:"limit"`
	Running    int `json:"running"`
	QueuedHigh int `json:"queuedHigh"`
	QueuedLow  int `json:"queuedLow"`
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Queue is a bounded-concurrency executor.
type Queue struct {
	name    string
	limit   int
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	running int
	closed  bool
	lanes   [2]*list.List
}

// Option customizes a Queue.
type Option func(*Queue)

// WithName labels the queue in logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(q *Queue) { q.metrics = rec }
}

// New builds a queue allowing limit concurrent tasks.
func New(limit int, opts ...Option) *Queue {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	q := &Queue{
		name:   "default",
		limit:  limit,
		logger: slog.New(slog.DiscardHandler),
		lanes:  [2]*list.List{list.New(), list.New()},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("agent", "task_queue"), slog.String("queue", q.name))
	return q
}

// Add runs task at high priority and returns its error.
func (q *Queue) Add(ctx context.Context, task Task) error {
	return q.AddWithPriority(ctx, PriorityHigh, task)
}

// AddWithPriority runs task once a slot is free and returns its error. The call
// blocks until the task finishes. If ctx ends while the task is still queued it
// is withdrawn and ctx.Err() is returned; a started task always runs to
// completion.
func (q *Queue) AddWithPriority(ctx context.Context, p Priority, task Task) error {
	if task == nil {
		return errors.New("taskqueue: task required")
	}
	if p != PriorityLow {
		p = PriorityHigh
	}
	if err := q.acquire(ctx, p); err != nil {
		return err
	}
	start := time.Now()
	err := q.run(ctx, task)
	q.metrics.ObserveTask(q.name, p.String(), metrics.Outcome(err), time.Since(start))
	q.release()
	if err != nil {
		q.logger.Debug("task failed", slog.String("priority", p.String()), slog.Any("error", err))
	}
	return err
}

// Run schedules fn and returns its value.
func Run[T any](ctx context.Context, q *Queue, p Priority, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.AddWithPriority(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (q *Queue) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", slog.Any("panic", r))
			err = errors.New("taskqueue: task panicked")
		}
	}()
	return task(context.WithoutCancel(ctx))
}

func (q *Queue) acquire(ctx context.Context, p Priority) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.running < q.limit {
		q.running++
		q.publishLocked()
		q.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	el := q.lanes[p].PushBack(w)
	q.publishLocked()
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		if w.granted {
			// The slot was handed over concurrently; pass it on.
			q.mu.Unlock()
			q.release()
			return ctx.Err()
		}
		q.lanes[p].Remove(el)
		q.publishLocked()
		q.mu.Unlock()
		return ctx.Err()
	}
}

// release hands the slot to the next waiter or frees it.
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range q.lanes {
		if front := lane.Front(); front != nil {
			w := lane.Remove(front).(*waiter)
			w.granted = true
			close(w.ready)
			q.publishLocked()
			return
		}
	}
	q.running--
	q.publishLocked()
}

func (q *Queue) publishLocked() {
	q.metrics.SetQueueDepth(q.name, q.running, q.lanes[PriorityHigh].Len(), q.lanes[PriorityLow].Len())
}

// Stats returns a snapshot of the queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Limit:      q.limit,
		Running:    q.running,
		QueuedHigh: q.lanes[PriorityHigh].Len(),
		QueuedLow:  q.lanes[PriorityLow].Len(),
	}
}

// Idle reports whether a slot is free and no high-priority work is waiting.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running < q.limit && q.lanes[PriorityHigh].Len() == 0
}

// Close rejects future tasks. Queued and running tasks are unaffected.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
