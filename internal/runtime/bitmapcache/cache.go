package bitmapcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/slideforge/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultBudgetBytes is the estimated pixel budget used when Options leaves it unset.
const DefaultBudgetBytes int64 = 300 << 20

// ErrDecode marks loader failures. Nothing is cached when it is returned.
var ErrDecode = errors.New("bitmapcache: decode failed")

// Releaser is implemented by handles that own off-heap or pooled pixel memory.
// Release is called exactly once, when the entry leaves the cache.
type Releaser interface {
	Release()
}

// Sized is implemented by handles that know their pixel footprint. It is
// charged instead of the caller's estimate.
type Sized interface {
	SizeBytes() int64
}

// Loader decodes the asset behind a key.
type Loader[H Releaser] func(ctx context.Context) (H, error)

// Key identifies a decoded bitmap by asset and target dimensions.
type Key struct {
	AssetID string
	Width   int
	Height  int
}

func (k Key) String() string {
	return k.AssetID + "@" + strconv.Itoa(k.Width) + "x" + strconv.Itoa(k.Height)
}

// Options configures a Cache.
type Options struct {
	BudgetBytes int64
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

// Stats is a point-in-time snapshot of cache occupancy and counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Budget    int64 `json:"budget"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type entry[H Releaser] struct {
	key        Key
	handle     H
	bytes      int64
	lastAccess time.Time
}

// Cache holds decoded bitmaps under a byte budget and evicts the least recently
// accessed entries first. Concurrent requests for the same key share one load.
type Cache[H Releaser] struct {
	budget  int64
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	flights singleflight.Group

	mu        sync.Mutex
	items     map[Key]*list.Element
	order     *list.List
	total     int64
	hits      int64
	misses    int64
	evictions int64
}

// New constructs an empty cache.
func New[H Releaser](opts Options) *Cache[H] {
	budget := opts.BudgetBytes
	if budget <= 0 {
		budget = DefaultBudgetBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[H]{
		budget:  budget,
		logger:  logger.With(slog.String("agent", "bitmap_cache")),
		metrics: opts.Metrics,
		now:     now,
		items:   make(map[Key]*list.Element),
		order:   list.New(),
	}
}

// GetOrCreate returns the cached handle for key, joins an in-flight load for the
// same key, or runs loader and caches its result. Handles implementing Sized
// are charged their own size; otherwise approxWidth*approxHeight*4 is charged.
//
// The load itself is never cancelled: if ctx ends first the caller stops
// waiting but the decode still completes and is cached for later requests.
func (c *Cache[H]) GetOrCreate(ctx context.Context, key Key, loader Loader[H], approxWidth, approxHeight int) (H, error) {
	var zero H
	if loader == nil {
		return zero, errors.New("bitmapcache: loader required")
	}
	if handle, ok := c.lookup(key); ok {
		c.metrics.ObserveBitmapLookup(metrics.BitmapLookupHit)
		return handle, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key.String(), func() (any, error) {
		// A flight that finished between lookup and DoChan has already inserted.
		if handle, ok := c.touch(key); ok {
			return flight[H]{handle: handle, hit: true}, nil
		}
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		handle, err := loader(loadCtx)
		if err != nil {
			c.logger.Warn("bitmap decode failed", slog.String("key", key.String()), slog.Any("error", err))
			return nil, fmt.Errorf("%w: %s: %w", ErrDecode, key, err)
		}
		c.insert(key, handle, chargeFor(handle, approxWidth, approxHeight))
		return flight[H]{handle: handle}, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		return c.settle(res)
	}
}

// flight is what a load shares with its callers. hit is set when the entry
// was already cached by the time the flight ran.
type flight[H Releaser] struct {
	handle H
	hit    bool
}

// settle records how a flight served the caller.
func (c *Cache[H]) settle(res singleflight.Result) (H, error) {
	var zero H
	if res.Err != nil {
		c.metrics.ObserveBitmapLookup(metrics.BitmapLookupError)
		return zero, res.Err
	}
	f, _ := res.Val.(flight[H])
	switch {
	case f.hit:
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		c.metrics.ObserveBitmapLookup(metrics.BitmapLookupHit)
	case res.Shared:
		c.metrics.ObserveBitmapLookup(metrics.BitmapLookupShared)
	default:
		c.metrics.ObserveBitmapLookup(metrics.BitmapLookupMiss)
	}
	return f.handle, nil
}

func (c *Cache[H]) lookup(key Key) (H, bool) {
	handle, ok := c.touch(key)
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
	}
	return handle, ok
}

// touch returns the cached handle and refreshes its access time.
func (c *Cache[H]) touch(key Key) (H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero H
		return zero, false
	}
	e := el.Value.(*entry[H])
	e.lastAccess = c.now()
	c.order.MoveToFront(el)
	return e.handle, true
}

// insert adds the entry and evicts from the LRU end until the budget holds or
// only the new entry is left. Victims are released after the lock is dropped.
func (c *Cache[H]) insert(key Key, handle H, bytes int64) {
	var victims []*entry[H]

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry[H])
		c.order.Remove(el)
		delete(c.items, key)
		c.total -= old.bytes
		victims = append(victims, old)
	}
	e := &entry[H]{key: key, handle: handle, bytes: bytes, lastAccess: c.now()}
	c.items[key] = c.order.PushFront(e)
	c.total += bytes

	evicted := 0
	for c.total > c.budget && c.order.Len() > 1 {
		back := c.order.Back()
		victim := back.Value.(*entry[H])
		c.order.Remove(back)
		delete(c.items, victim.key)
		c.total -= victim.bytes
		c.evictions++
		evicted++
		victims = append(victims, victim)
	}
	entries, total := len(c.items), c.total
	c.mu.Unlock()

	for _, victim := range victims {
		victim.handle.Release()
	}
	if evicted > 0 {
		c.logger.Debug("bitmaps evicted",
			slog.Int("count", evicted),
			slog.Int64("bytes", total),
			slog.Int64("budget", c.budget),
		)
	}
	c.metrics.ObserveBitmapEvictions(evicted)
	c.metrics.SetBitmapUsage(entries, total)
}

// Contains reports whether key is cached without refreshing its access time.
func (c *Cache[H]) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Keys returns cached keys, most recently used first.
func (c *Cache[H]) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[H]).key)
	}
	return keys
}

// Stats returns a snapshot of occupancy and counters.
func (c *Cache[H]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.items),
		Bytes:     c.total,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close releases every cached handle and empties the cache.
func (c *Cache[H]) Close() {
	c.mu.Lock()
	victims := make([]*entry[H], 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		victims = append(victims, el.Value.(*entry[H]))
	}
	c.items = make(map[Key]*list.Element)
	c.order.Init()
	c.total = 0
	c.mu.Unlock()

	for _, victim := range victims {
		victim.handle.Release()
	}
	c.metrics.SetBitmapUsage(0, 0)
}

func chargeFor(handle any, width, height int) int64 {
	if s, ok := handle.(Sized); ok {
		if n := s.SizeBytes(); n > 0 {
			return n
		}
	}
	return estimateBytes(width, height)
}

func estimateBytes(width, height int) int64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	return int64(width) * int64(height) * 4
}
