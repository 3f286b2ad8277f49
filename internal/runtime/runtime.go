// Package runtime ties the rendering engines to the host slide store and
// exposes them over HTTP.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/l0p7/slideforge/internal/config"
	"github.com/l0p7/slideforge/internal/metrics"
	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/blobstore"
	"github.com/l0p7/slideforge/internal/runtime/compositor"
	"github.com/l0p7/slideforge/internal/runtime/grouping"
	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/l0p7/slideforge/internal/runtime/taskqueue"
	"github.com/l0p7/slideforge/internal/runtime/thumbnail"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
)

// Options wires a Runtime. Queue, Bitmaps, Blobs and Compositor are required.
type Options struct {
	Queue      *taskqueue.Queue
	Bitmaps    *bitmapcache.Cache[*bitmapcache.Bitmap]
	Blobs      blobstore.Store
	Compositor *compositor.Compositor
	Transcoder *transcoder.Client
	Resolver   *grouping.Resolver
	// SheetNames maps sheet ids to display names for grouping.
	SheetNames map[string]string

	ThumbnailWidth   int
	ThumbnailQuality int
	DPR              float64
	Deferral         thumbnail.Deferral

	PresetSources  []string
	SkippedPresets []config.DefinitionSkip

	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Runtime owns the slide store and the thumbnail pipeline and serves the
// HTTP surface over them.
type Runtime struct {
	logger     *slog.Logger
	store      *slides.Store
	pipeline   *thumbnail.Pipeline
	compositor *compositor.Compositor
	bitmaps    *bitmapcache.Cache[*bitmapcache.Bitmap]
	queue      *taskqueue.Queue
	blobs      blobstore.Store
	resolver   *grouping.Resolver
	sheetNames map[string]string
	width      int
	now        func() time.Time

	mu            sync.RWMutex
	presetSources []string
	skipped       []config.DefinitionSkip
}

// New builds the store and pipeline. Background thumbnail results are applied
// to the store as they arrive.
func New(logger *slog.Logger, opts Options) (*Runtime, error) {
	if opts.Queue == nil || opts.Bitmaps == nil || opts.Blobs == nil || opts.Compositor == nil {
		return nil, errors.New("runtime: queue, bitmaps, blobs and compositor required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = grouping.NewResolver()
	}
	width := opts.ThumbnailWidth
	if width <= 0 {
		width = thumbnail.DefaultWidth
	}

	rt := &Runtime{
		logger:        logger.With(slog.String("agent", "runtime")),
		store:         slides.NewStore(opts.Blobs, logger),
		compositor:    opts.Compositor,
		bitmaps:       opts.Bitmaps,
		queue:         opts.Queue,
		blobs:         opts.Blobs,
		resolver:      resolver,
		sheetNames:    opts.SheetNames,
		width:         width,
		now:           now,
		presetSources: slices.Clone(opts.PresetSources),
		skipped:       cloneDefinitionSkips(opts.SkippedPresets),
	}

	pipeline, err := thumbnail.New(thumbnail.Options{
		Queue:      opts.Queue,
		Renderer:   opts.Compositor,
		Store:      opts.Blobs,
		Transcoder: opts.Transcoder,
		Deferral:   opts.Deferral,
		Quality:    opts.ThumbnailQuality,
		DPR:        opts.DPR,
		OnResult:   rt.applyBackground,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Now:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	rt.pipeline = pipeline
	return rt, nil
}

// Store exposes the slide records.
func (rt *Runtime) Store() *slides.Store { return rt.store }

// Pipeline exposes the thumbnail pipeline, for the sweeper.
func (rt *Runtime) Pipeline() *thumbnail.Pipeline { return rt.pipeline }

// ThumbnailWidth is the width background thumbnails are rendered at.
func (rt *Runtime) ThumbnailWidth() int { return rt.width }

// Close stops background thumbnail jobs. The blob store is left to its owner.
func (rt *Runtime) Close() {
	rt.pipeline.Close()
}

func (rt *Runtime) applyBackground(res thumbnail.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rt.store.ApplyThumbnail(ctx, res.Update()); err != nil {
		rt.logger.Warn("background thumbnail not applied",
			slog.String("slide_id", res.SlideID),
			slog.Any("error", err),
		)
	}
}

// ReloadPresets swaps the preset catalog after the presets watcher reloads.
func (rt *Runtime) ReloadPresets(bundle config.PresetBundle) {
	rt.compositor.Presets().Replace(bundle.Presets)
	rt.mu.Lock()
	rt.presetSources = slices.Clone(bundle.Sources)
	rt.skipped = cloneDefinitionSkips(bundle.Skipped)
	rt.mu.Unlock()

	attrs := []slog.Attr{
		slog.Int("presets", len(bundle.Presets)),
		slog.Int("sources", len(bundle.Sources)),
	}
	if len(bundle.Skipped) > 0 {
		attrs = append(attrs, slog.Int("skipped", len(bundle.Skipped)))
	}
	rt.logger.LogAttrs(context.Background(), slog.LevelInfo, "presets reloaded", attrs...)
}

func (rt *Runtime) healthSnapshot() (string, []string, []config.DefinitionSkip) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	status := "ok"
	if len(rt.skipped) > 0 {
		status = "degraded"
	}
	return status, slices.Clone(rt.presetSources), cloneDefinitionSkips(rt.skipped)
}

// SlideExists reports whether the store holds id.
func (rt *Runtime) SlideExists(id string) bool {
	_, ok := rt.store.Get(id)
	return ok
}

type slideContextKey struct{}

// RequestWithSlideID carries the slide id parsed by the router to the handler.
func (rt *Runtime) RequestWithSlideID(r *http.Request, id string) *http.Request {
	if r == nil || id == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), slideContextKey{}, id))
}

func slideIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(slideContextKey{}).(string); ok {
		return v
	}
	return ""
}

// WriteError emits a JSON error payload and lists the known presets when the
// failure concerns one.
func (rt *Runtime) WriteError(w http.ResponseWriter, status int, message string) {
	rt.writeError(w, status, message, false)
}

func (rt *Runtime) writeError(w http.ResponseWriter, status int, message string, withPresets bool) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{"error": message}
	if withPresets {
		if names := rt.compositor.Presets().Names(); len(names) > 0 {
			payload["availablePresets"] = names
		}
	}
	rt.writeJSON(w, status, payload)
}

func (rt *Runtime) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = skip
		out[i].Sources = slices.Clone(skip.Sources)
	}
	return out
}
