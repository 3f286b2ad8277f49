package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/slideforge/internal/metrics"
)

// Options configures the worker pool behind a Client.
type Options struct {
	Quality int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Client is the only way to reach transcoder workers. Requests travel over a
// channel and responses come back on another; a single dispatch table keyed by
// request id routes each response to its waiting caller.
type Client struct {
	requests  chan Request
	responses chan Response
	done      chan struct{}
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Start launches workers goroutines and the response dispatcher. The pool
// stops when ctx ends or Close is called.
func Start(ctx context.Context, workers int, opts Options) *Client {
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("agent", "transcoder"))

	c := &Client{
		requests:  make(chan Request),
		responses: make(chan Response, workers),
		done:      make(chan struct{}),
		logger:    logger,
		metrics:   opts.Metrics,
		pending:   make(map[string]chan Response),
	}

	worker := Worker{Quality: opts.Quality, Logger: logger}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.work(worker)
	}
	c.wg.Add(1)
	go c.dispatch()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c
}

func (c *Client) work(w Worker) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			resp := w.Process(req)
			select {
			case c.responses <- resp:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case resp := <-c.responses:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("response without waiter dropped", slog.String("id", resp.ID))
				continue
			}
			ch <- resp
		}
	}
}

// Transcode sends req to a worker and waits for the response with the same id.
// An empty ID is filled with a fresh UUID. If ctx ends first the caller's entry
// is removed from the dispatch table and the eventual response is discarded.
func (c *Client) Transcode(ctx context.Context, req Request) (Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrClosed
	}
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	start := time.Now()
	select {
	case c.requests <- req:
	case <-ctx.Done():
		c.forget(req.ID)
		return Result{}, ctx.Err()
	case <-c.done:
		c.forget(req.ID)
		return Result{}, ErrClosed
	}

	select {
	case resp := <-ch:
		res, err := decodeResponse(resp)
		c.metrics.ObserveTranscode(metrics.Outcome(err), time.Since(start))
		if err != nil {
			c.logger.Warn("transcode failed", slog.String("id", req.ID), slog.String("filename", req.Filename), slog.Any("error", err))
		}
		return res, err
	case <-ctx.Done():
		c.forget(req.ID)
		return Result{}, ctx.Err()
	case <-c.done:
		c.forget(req.ID)
		return Result{}, ErrClosed
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending reports how many requests are waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the workers. In-flight callers receive ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()
		c.wg.Wait()
	})
}
