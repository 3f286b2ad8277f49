// Package thumbnail renders slide thumbnails on the shared task queue. User
// requests run at high priority; background refreshes wait for the host to be
// idle and then run at low priority. Jobs never touch slide records: they
// return a Result that the owner of the record applies.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/slideforge/internal/metrics"
	"github.com/l0p7/slideforge/internal/runtime/blobstore"
	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/l0p7/slideforge/internal/runtime/taskqueue"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
)

const (
	// DefaultWidth is the thumbnail width used when callers pass zero.
	DefaultWidth = 320
	// DefaultQuality is the JPEG quality of encoded thumbnails.
	DefaultQuality = 85
)

// ErrUnavailable is returned by TranscodeImage when no transcoder is wired.
var ErrUnavailable = errors.New("thumbnail: transcoder unavailable")

// RenderRequest asks the renderer for a slide at Scale times its export size.
type RenderRequest struct {
	Slide slides.Slide
	Scale float64
	DPR   float64
}

// Renderer draws a slide onto a new surface.
type Renderer interface {
	RenderSlide(ctx context.Context, req RenderRequest) (image.Image, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req RenderRequest) (image.Image, error)

func (f RendererFunc) RenderSlide(ctx context.Context, req RenderRequest) (image.Image, error) {
	return f(ctx, req)
}

// Result is a finished thumbnail. PreviousRef is the reference the slide held
// when the job started; whoever applies the result must revoke it.
type Result struct {
	SlideID     string    `json:"slideId"`
	Ref         string    `json:"ref"`
	PreviousRef string    `json:"previousRef,omitempty"`
	Revision    int       `json:"revision"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// SourceUpdatedAt is the UpdatedAt of the record that was rendered.
	SourceUpdatedAt time.Time `json:"sourceUpdatedAt,omitzero"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	Bytes           int       `json:"bytes"`
}

// Update converts the result for slides.Store.ApplyThumbnail.
func (r Result) Update() slides.ThumbnailUpdate {
	return slides.ThumbnailUpdate{
		SlideID:         r.SlideID,
		Ref:             r.Ref,
		PreviousRef:     r.PreviousRef,
		Revision:        r.Revision,
		UpdatedAt:       r.UpdatedAt,
		SourceUpdatedAt: r.SourceUpdatedAt,
	}
}

// Options wires a Pipeline.
type Options struct {
	Queue      *taskqueue.Queue
	Renderer   Renderer
	Store      blobstore.Store
	Transcoder *transcoder.Client
	Deferral   Deferral
	Quality    int
	DPR        float64
	// OnResult receives background results. It runs on the job goroutine.
	OnResult func(Result)
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

// Pipeline schedules thumbnail jobs.
type Pipeline struct {
	queue      *taskqueue.Queue
	renderer   Renderer
	store      blobstore.Store
	transcoder *transcoder.Client
	deferral   Deferral
	quality    int
	dpr        float64
	onResult   func(Result)
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*backgroundJob
}

// backgroundJob tracks one slide's background work. next holds a newer record
// that arrived while the job was pending.
type backgroundJob struct {
	updatedAt time.Time
	width     int
	next      *slides.Slide
}

// New validates options and builds a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Queue == nil {
		return nil, errors.New("thumbnail: queue required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("thumbnail: renderer required")
	}
	if opts.Store == nil {
		return nil, errors.New("thumbnail: blob store required")
	}
	p := &Pipeline{
		queue:      opts.Queue,
		renderer:   opts.Renderer,
		store:      opts.Store,
		transcoder: opts.Transcoder,
		deferral:   opts.Deferral,
		quality:    opts.Quality,
		dpr:        opts.DPR,
		onResult:   opts.OnResult,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		pending:    make(map[string]*backgroundJob),
	}
	if p.deferral == nil {
		p.deferral = TimerDeferral{}
	}
	if p.quality <= 0 || p.quality > 100 {
		p.quality = DefaultQuality
	}
	if p.dpr <= 0 {
		p.dpr = 1
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With(slog.String("agent", "thumbnail_pipeline"))
	if p.now == nil {
		p.now = time.Now
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Generate renders a thumbnail at high priority and waits for it.
func (p *Pipeline) Generate(ctx context.Context, slide slides.Slide, targetWidth int) (Result, error) {
	return taskqueue.Run(ctx, p.queue, taskqueue.PriorityHigh, func(ctx context.Context) (Result, error) {
		return p.render(ctx, slide, targetWidth, taskqueue.PriorityHigh)
	})
}

// Enqueue schedules a background thumbnail and returns immediately. It
// reports false when a background job for the slide is already pending; a
// record newer than the pending one is rendered again once that job settles.
// Failures are logged and counted; they never reach other jobs.
func (p *Pipeline) Enqueue(slide slides.Slide, targetWidth int) bool {
	p.mu.Lock()
	if job, busy := p.pending[slide.ID]; busy {
		latest := job.updatedAt
		if job.next != nil {
			latest = job.next.UpdatedAt
		}
		if slide.UpdatedAt.After(latest) {
			next := slide.Clone()
			job.next = &next
			job.width = targetWidth
		}
		p.mu.Unlock()
		return false
	}
	job := &backgroundJob{updatedAt: slide.UpdatedAt, width: targetWidth}
	p.pending[slide.ID] = job
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.runBackground(slide, targetWidth)

			p.mu.Lock()
			next := job.next
			if next == nil {
				delete(p.pending, slide.ID)
				p.mu.Unlock()
				return
			}
			job.next = nil
			job.updatedAt = next.UpdatedAt
			targetWidth = job.width
			p.mu.Unlock()
			slide = *next
		}
	}()
	return true
}

func (p *Pipeline) runBackground(slide slides.Slide, targetWidth int) {
	if err := p.deferral.Wait(p.ctx); err != nil {
		return
	}
	res, err := taskqueue.Run(p.ctx, p.queue, taskqueue.PriorityLow, func(ctx context.Context) (Result, error) {
		return p.render(ctx, slide, targetWidth, taskqueue.PriorityLow)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("background thumbnail failed", slog.String("slide_id", slide.ID), slog.Any("error", err))
		}
		return
	}
	if p.onResult != nil {
		p.onResult(res)
	}
}

// Pending reports how many background jobs have not settled.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until every background job has settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close drops background jobs that have not been admitted yet and waits for
// the rest.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) render(ctx context.Context, slide slides.Slide, targetWidth int, priority taskqueue.Priority) (res Result, err error) {
	start := p.now()
	defer func() {
		p.metrics.ObserveThumbnail(priority.String(), metrics.Outcome(err), time.Since(start))
	}()

	if targetWidth <= 0 {
		targetWidth = DefaultWidth
	}
	export := slide.ExportSize()
	scale := float64(targetWidth) / float64(export.X)

	img, err := p.renderer.RenderSlide(ctx, RenderRequest{Slide: slide, Scale: scale, DPR: p.dpr})
	if err != nil {
		return Result{}, fmt.Errorf("thumbnail: render %s: %w", slide.ID, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return Result{}, fmt.Errorf("thumbnail: encode %s: %w", slide.ID, err)
	}
	size := buf.Len()
	ref, err := p.store.Put(ctx, blobstore.Blob{ContentType: "image/jpeg", Data: buf.Bytes()})
	if err != nil {
		return Result{}, fmt.Errorf("thumbnail: store %s: %w", slide.ID, err)
	}

	b := img.Bounds()
	res = Result{
		SlideID:         slide.ID,
		Ref:             ref,
		PreviousRef:     slide.ThumbnailRef,
		Revision:        slide.Revision + 1,
		UpdatedAt:       p.now().UTC(),
		SourceUpdatedAt: slide.UpdatedAt,
		Width:           b.Dx(),
		Height:          b.Dy(),
		Bytes:           size,
	}
	p.logger.Debug("thumbnail rendered",
		slog.String("slide_id", slide.ID),
		slog.String("priority", priority.String()),
		slog.String("ref", ref),
		slog.Int("width", res.Width),
		slog.Int("height", res.Height),
	)
	return res, nil
}

// CleanupThumb takes the slide's thumbnail off the record and revokes it.
// The revoke runs outside the store lock; when it fails the reference is put
// back so a later cleanup can retry.
func (p *Pipeline) CleanupThumb(ctx context.Context, store *slides.Store, id string) (slides.Slide, error) {
	slide, d, err := store.DetachThumbnail(id)
	if err != nil {
		return slides.Slide{}, err
	}
	if d.Ref == "" {
		return slide, nil
	}
	if err := p.revokeDetached(ctx, store, d); err != nil {
		if current, ok := store.Get(id); ok {
			slide = current
		}
		return slide, err
	}
	return slide, nil
}

// CleanupAllThumbs runs CleanupThumb on every record. It returns how many
// references were revoked and joins the failures.
func (p *Pipeline) CleanupAllThumbs(ctx context.Context, store *slides.Store) (int, error) {
	var (
		cleared int
		errs    []error
	)
	for _, d := range store.DetachThumbnails() {
		if err := p.revokeDetached(ctx, store, d); err != nil {
			errs = append(errs, err)
			continue
		}
		cleared++
	}
	return cleared, errors.Join(errs...)
}

func (p *Pipeline) revokeDetached(ctx context.Context, store *slides.Store, d slides.Detached) error {
	err := p.store.Revoke(ctx, d.Ref)
	if err == nil {
		return nil
	}
	if !store.ReattachThumbnail(d) {
		p.logger.Warn("unrevoked thumbnail not reattached", slog.String("slide_id", d.SlideID), slog.String("ref", d.Ref))
	}
	return fmt.Errorf("thumbnail: revoke %s: %w", d.SlideID, err)
}

// TranscodeImage downsizes an uploaded image through the worker transcoder as
// a high-priority job.
func (p *Pipeline) TranscodeImage(ctx context.Context, filename string, raw []byte, maxSide int) (transcoder.Result, error) {
	if p.transcoder == nil {
		return transcoder.Result{}, ErrUnavailable
	}
	return taskqueue.Run(ctx, p.queue, taskqueue.PriorityHigh, func(ctx context.Context) (transcoder.Result, error) {
		return p.transcoder.Transcode(ctx, transcoder.Request{ArrayBuffer: raw, Filename: filename, MaxSide: maxSide})
	})
}
