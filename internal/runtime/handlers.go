package runtime

import (
	"errors"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/slideforge/internal/config"
	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/compositor"
	"github.com/l0p7/slideforge/internal/runtime/grouping"
	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/l0p7/slideforge/internal/runtime/taskqueue"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
)

const (
	maxLayoutBody = 1 << 20
	maxSlidesBody = 8 << 20
)

// ServeHealth reports liveness plus the preset catalog state.
func (rt *Runtime) ServeHealth(w http.ResponseWriter, r *http.Request) {
	stored, err := rt.blobs.Size(r.Context())
	if err != nil {
		rt.logger.Error("thumbnail store size query failed", slog.Any("error", err))
		stored = 0
	}
	status, sources, skipped := rt.healthSnapshot()
	payload := map[string]any{
		"status":           status,
		"slides":           rt.store.Len(),
		"bitmapEntries":    rt.bitmaps.Stats().Entries,
		"storedThumbnails": stored,
		"observedAt":       rt.now().UTC(),
	}
	if len(sources) > 0 {
		payload["presetSources"] = sources
	}
	if len(skipped) > 0 {
		payload["skippedPresets"] = skipped
	}
	if names := rt.compositor.Presets().Names(); len(names) > 0 {
		payload["availablePresets"] = names
	}
	rt.writeJSON(w, http.StatusOK, payload)
}

type thumbnailStats struct {
	Stored  int64 `json:"stored"`
	Pending int   `json:"pending"`
	Width   int   `json:"width"`
}

type statsResponse struct {
	ObservedAt     time.Time               `json:"observedAt"`
	Slides         int                     `json:"slides"`
	Bitmaps        bitmapcache.Stats       `json:"bitmaps"`
	Queue          taskqueue.Stats         `json:"queue"`
	Thumbnails     thumbnailStats          `json:"thumbnails"`
	PresetSources  []string                `json:"presetSources,omitempty"`
	SkippedPresets []config.DefinitionSkip `json:"skippedPresets,omitempty"`
}

// ServeStats reports cache, queue and thumbnail store counters.
func (rt *Runtime) ServeStats(w http.ResponseWriter, r *http.Request) {
	stored, err := rt.blobs.Size(r.Context())
	if err != nil {
		rt.logger.Error("thumbnail store size query failed", slog.Any("error", err))
		stored = 0
	}
	_, sources, skipped := rt.healthSnapshot()
	rt.writeJSON(w, http.StatusOK, statsResponse{
		ObservedAt: rt.now().UTC(),
		Slides:     rt.store.Len(),
		Bitmaps:    rt.bitmaps.Stats(),
		Queue:      rt.queue.Stats(),
		Thumbnails: thumbnailStats{
			Stored:  stored,
			Pending: rt.pipeline.Pending(),
			Width:   rt.width,
		},
		PresetSources:  sources,
		SkippedPresets: skipped,
	})
}

type canvasSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type layoutRequest struct {
	Text   string            `json:"text"`
	Data   map[string]any    `json:"data,omitempty"`
	Preset string            `json:"preset,omitempty"`
	Style  *textlayout.Style `json:"style,omitempty"`
	Canvas canvasSize        `json:"canvas"`
}

// ServeLayout lays out one caption without rendering it.
func (rt *Runtime) ServeLayout(w http.ResponseWriter, r *http.Request) {
	var req layoutRequest
	if err := decodeJSON(w, r, maxLayoutBody, &req); err != nil {
		rt.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Canvas.Width < 0 || req.Canvas.Height < 0 {
		rt.WriteError(w, http.StatusBadRequest, "canvas dimensions must not be negative")
		return
	}
	canvas := image.Pt(req.Canvas.Width, req.Canvas.Height)
	if canvas.X == 0 || canvas.Y == 0 {
		canvas = image.Pt(slides.DefaultExportWidth, slides.DefaultExportHeight)
	}

	caption, err := rt.compositor.LayoutText(req.Text, req.Data, req.Preset, req.Style, canvas)
	switch {
	case errors.Is(err, compositor.ErrUnknownPreset):
		rt.writeError(w, http.StatusUnprocessableEntity, err.Error(), true)
		return
	case err != nil:
		rt.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rt.writeJSON(w, http.StatusOK, caption)
}

type slidesPayload struct {
	Slides []slides.Slide `json:"slides"`
}

type upsertResponse struct {
	Slides   []slides.Slide `json:"slides"`
	Enqueued int            `json:"enqueued"`
}

// ServeListSlides returns every stored record.
func (rt *Runtime) ServeListSlides(w http.ResponseWriter, _ *http.Request) {
	rt.writeJSON(w, http.StatusOK, slidesPayload{Slides: rt.store.List()})
}

// ServeUpsertSlides stores slide records and queues background thumbnails
// for those whose thumbnail is missing or outdated.
func (rt *Runtime) ServeUpsertSlides(w http.ResponseWriter, r *http.Request) {
	var req slidesPayload
	if err := decodeJSON(w, r, maxSlidesBody, &req); err != nil {
		rt.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := rt.store.Upsert(req.Slides...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, slides.ErrInvalid) {
			status = http.StatusBadRequest
		}
		rt.WriteError(w, status, err.Error())
		return
	}
	enqueued := 0
	for i := range stored {
		if stored[i].ThumbnailStale() && rt.pipeline.Enqueue(stored[i], rt.width) {
			enqueued++
		}
	}
	rt.logger.Debug("slides upserted", slog.Int("count", len(stored)), slog.Int("enqueued", enqueued))
	rt.writeJSON(w, http.StatusOK, upsertResponse{Slides: stored, Enqueued: enqueued})
}

// ServeDeleteSlide removes a record and revokes its thumbnail.
func (rt *Runtime) ServeDeleteSlide(w http.ResponseWriter, r *http.Request) {
	id := slideIDFromContext(r.Context())
	removed, err := rt.store.Delete(r.Context(), id)
	if removed != nil {
		rt.resolver.Forget(removed)
	}
	if err != nil {
		if errors.Is(err, slides.ErrNotFound) {
			rt.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		rt.logger.Warn("slide thumbnail not revoked", slog.String("slide_id", id), slog.Any("error", err))
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

type thumbnailResponse struct {
	SlideID   string    `json:"slideId"`
	Ref       string    `json:"ref"`
	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Bytes     int       `json:"bytes"`
}

// ServeThumbnail renders a thumbnail at high priority and applies it before
// answering.
func (rt *Runtime) ServeThumbnail(w http.ResponseWriter, r *http.Request) {
	id := slideIDFromContext(r.Context())
	slide, ok := rt.store.Get(id)
	if !ok {
		rt.WriteError(w, http.StatusNotFound, "slide not found: "+id)
		return
	}
	width, err := parseWidth(r, rt.width)
	if err != nil {
		rt.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := rt.pipeline.Generate(r.Context(), slide, width)
	if err != nil {
		rt.logger.Warn("thumbnail failed", slog.String("slide_id", id), slog.Any("error", err))
		rt.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := rt.store.ApplyThumbnail(r.Context(), res.Update())
	if err != nil {
		if errors.Is(err, slides.ErrNotFound) {
			rt.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		rt.logger.Warn("replaced thumbnail not revoked", slog.String("slide_id", id), slog.Any("error", err))
	}
	rt.writeJSON(w, http.StatusOK, thumbnailResponse{
		SlideID:   id,
		Ref:       updated.ThumbnailRef,
		Revision:  updated.Revision,
		UpdatedAt: updated.ThumbnailUpdatedAt,
		Width:     res.Width,
		Height:    res.Height,
		Bytes:     res.Bytes,
	})
}

// ServeDeleteThumbnail revokes one slide's thumbnail.
func (rt *Runtime) ServeDeleteThumbnail(w http.ResponseWriter, r *http.Request) {
	id := slideIDFromContext(r.Context())
	updated, err := rt.pipeline.CleanupThumb(r.Context(), rt.store, id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, slides.ErrNotFound) {
			status = http.StatusNotFound
		}
		rt.WriteError(w, status, err.Error())
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{"slideId": id, "revision": updated.Revision})
}

// ServeDeleteAllThumbnails revokes every stored thumbnail.
func (rt *Runtime) ServeDeleteAllThumbnails(w http.ResponseWriter, r *http.Request) {
	cleared, err := rt.pipeline.CleanupAllThumbs(r.Context(), rt.store)
	if err != nil {
		rt.logger.Warn("thumbnails not revoked", slog.Int("cleared", cleared), slog.Any("error", err))
		rt.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

type groupView struct {
	Name     string              `json:"name"`
	DayOrder []string            `json:"dayOrder"`
	Days     map[string][]string `json:"days"`
}

// ServeGroups groups the stored slides by sheet and day. Buckets list slide ids.
func (rt *Runtime) ServeGroups(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]groupView)
	rt.store.View(func(bySheet map[string][]*slides.Slide) {
		groups := grouping.Group(bySheet, grouping.Options{
			GetSheetName: rt.sheetName,
			ResolveDay:   rt.resolver.Resolve,
		})
		for sheetID, g := range groups {
			view := groupView{Name: g.Name, DayOrder: g.DayOrder, Days: make(map[string][]string, len(g.Days))}
			for day, bucket := range g.Days {
				ids := make([]string, len(bucket))
				for i, s := range bucket {
					ids[i] = s.ID
				}
				view.Days[day] = ids
			}
			out[sheetID] = view
		}
	})
	rt.writeJSON(w, http.StatusOK, map[string]any{"sheets": out})
}

func (rt *Runtime) sheetName(id string) string {
	if name, ok := rt.sheetNames[id]; ok && name != "" {
		return name
	}
	return id
}
