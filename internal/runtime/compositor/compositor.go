// Package compositor renders slides: a cover-fitted background from the bitmap
// cache with the caption layers drawn on top.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"time"

	"github.com/l0p7/slideforge/internal/expr"
	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
	"github.com/l0p7/slideforge/internal/runtime/thumbnail"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
	"github.com/l0p7/slideforge/internal/templates"
	"golang.org/x/image/draw"
)

// ErrUnknownPreset is returned when a caption names a preset the catalog lacks.
var ErrUnknownPreset = errors.New("compositor: unknown preset")

// Options wires a Compositor. Only Cache and Assets are required.
type Options struct {
	Cache      *bitmapcache.Cache[*bitmapcache.Bitmap]
	Assets     *templates.Sandbox
	Transcoder *transcoder.Client
	Presets    *Presets
	Captions   *templates.Renderer
	Fonts      *textlayout.Fonts
	Background color.Color
	Logger     *slog.Logger
	Now        func() time.Time
}

// Compositor implements thumbnail.Renderer.
type Compositor struct {
	cache      *bitmapcache.Cache[*bitmapcache.Bitmap]
	assets     *templates.Sandbox
	transcoder *transcoder.Client
	presets    *Presets
	captions   *templates.Renderer
	fonts      *textlayout.Fonts
	background color.Color
	logger     *slog.Logger
	now        func() time.Time
}

var _ thumbnail.Renderer = (*Compositor)(nil)

// New validates options.
func New(opts Options) (*Compositor, error) {
	if opts.Cache == nil {
		return nil, errors.New("compositor: bitmap cache required")
	}
	if opts.Assets == nil {
		return nil, errors.New("compositor: assets sandbox required")
	}
	c := &Compositor{
		cache:      opts.Cache,
		assets:     opts.Assets,
		transcoder: opts.Transcoder,
		presets:    opts.Presets,
		captions:   opts.Captions,
		fonts:      opts.Fonts,
		background: opts.Background,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.presets == nil {
		c.presets = NewPresets(nil)
	}
	if c.captions == nil {
		c.captions = templates.NewRenderer(nil)
	}
	if c.background == nil {
		c.background = color.Black
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With(slog.String("agent", "compositor"))
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Presets exposes the preset catalog so it can be reloaded.
func (c *Compositor) Presets() *Presets { return c.presets }

// Caption is a caption layer laid out for one canvas.
type Caption struct {
	Text   string            `json:"text"`
	Style  textlayout.Style  `json:"style"`
	Layout textlayout.Result `json:"layout"`
}

// RenderSlide draws the slide at req.Scale*req.DPR times its export size.
func (c *Compositor) RenderSlide(ctx context.Context, req thumbnail.RenderRequest) (image.Image, error) {
	slide := req.Slide
	factor := req.Scale
	if factor <= 0 {
		factor = 1
	}
	if req.DPR > 0 {
		factor *= req.DPR
	}
	export := slide.ExportSize()
	canvas := image.Pt(scaleDim(export.X, factor), scaleDim(export.Y, factor))

	dst := image.NewRGBA(image.Rectangle{Max: canvas})
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c.background), image.Point{}, draw.Src)

	path, err := backgroundPath(slide)
	if err != nil {
		return nil, err
	}
	if path != "" {
		bmp, err := c.loadBackground(ctx, path, canvas)
		if err != nil {
			return nil, fmt.Errorf("compositor: background %s: %w", slide.ID, err)
		}
		if src := bmp.Image(); src != nil {
			drawCover(dst, src)
		}
	}

	for i, layer := range slide.TextLayers {
		caption, err := c.LayoutLayer(slide, layer, canvas, factor)
		if err != nil {
			return nil, fmt.Errorf("compositor: layer %d of %s: %w", i, slide.ID, err)
		}
		face, err := c.fonts.Face(caption.Style.FontSize)
		if err != nil {
			return nil, err
		}
		if err := textlayout.Draw(dst, caption.Layout, caption.Style, face); err != nil {
			return nil, fmt.Errorf("compositor: draw layer %d of %s: %w", i, slide.ID, err)
		}
	}
	return dst, nil
}

// LayoutLayer renders the caption text of one layer and lays it out on a
// canvas factor times the export size.
func (c *Compositor) LayoutLayer(slide slides.Slide, layer slides.TextLayer, canvas image.Point, factor float64) (Caption, error) {
	style, ok := c.presets.Resolve(layer.Preset, layer.Style)
	if !ok {
		c.logger.Warn("unknown caption preset", slog.String("slide_id", slide.ID), slog.String("preset", layer.Preset))
	}
	if style.AspectRatio == "" {
		style.AspectRatio = slide.Aspect()
	}
	data := expr.SlideActivation(&slide, c.now())
	data["data"] = layer.Data
	text, err := c.captions.Caption(layer.Text, data)
	if err != nil {
		return Caption{}, err
	}
	return c.Layout(text, style.Scaled(factor), canvas)
}

// LayoutText renders a caption template against data and lays it out with the
// named preset merged with override. Unknown presets yield ErrUnknownPreset.
func (c *Compositor) LayoutText(text string, data map[string]any, preset string, override *textlayout.Style, canvas image.Point) (Caption, error) {
	style, ok := c.presets.Resolve(preset, override)
	if !ok {
		return Caption{}, fmt.Errorf("%w: %s", ErrUnknownPreset, preset)
	}
	if style.AspectRatio == "" {
		style.AspectRatio = textlayout.AspectFor(canvas)
	}
	rendered, err := c.captions.Caption(text, data)
	if err != nil {
		return Caption{}, err
	}
	return c.Layout(rendered, style, canvas)
}

// Layout places already rendered text with a resolved style.
func (c *Compositor) Layout(text string, style textlayout.Style, canvas image.Point) (Caption, error) {
	face, err := c.fonts.Face(style.FontSize)
	if err != nil {
		return Caption{}, err
	}
	res := textlayout.Layout(text, style, canvas, textlayout.NewFaceMeasurer(face))
	return Caption{Text: text, Style: style, Layout: res}, nil
}

// drawCover scales src to cover dst entirely, centred, cropping the overflow.
func drawCover(dst *image.RGBA, src image.Image) {
	db, sb := dst.Bounds(), src.Bounds()
	if sb.Empty() {
		return
	}
	scale := math.Max(float64(db.Dx())/float64(sb.Dx()), float64(db.Dy())/float64(sb.Dy()))
	w := scaleDim(sb.Dx(), scale)
	h := scaleDim(sb.Dy(), scale)
	x := db.Min.X + (db.Dx()-w)/2
	y := db.Min.Y + (db.Dy()-h)/2
	draw.CatmullRom.Scale(dst, image.Rect(x, y, x+w, y+h), src, sb, draw.Over, nil)
}

func scaleDim(v int, factor float64) int {
	return max(1, int(math.Round(float64(v)*factor)))
}
