package compositor

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/seeded"
	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
	"github.com/l0p7/slideforge/internal/runtime/thumbnail"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
	"github.com/l0p7/slideforge/internal/templates"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, dir, name string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func newCompositor(t *testing.T, mutate func(*Options)) (*Compositor, *bitmapcache.Cache[*bitmapcache.Bitmap], string) {
	t.Helper()
	dir := t.TempDir()
	sandbox, err := templates.NewSandbox(dir)
	require.NoError(t, err)
	cache := bitmapcache.New[*bitmapcache.Bitmap](bitmapcache.Options{})
	t.Cleanup(cache.Close)
	opts := Options{Cache: cache, Assets: sandbox}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, cache, dir
}

func rgbaAt(img image.Image, x, y int) (uint8, uint8, uint8) {
	r, g, b, _ := img.At(x, y).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
}

func TestNewRequiresCacheAndAssets(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Cache: bitmapcache.New[*bitmapcache.Bitmap](bitmapcache.Options{})})
	require.Error(t, err)
}

func TestRenderSlideCoversCanvasWithBackground(t *testing.T) {
	c, cache, dir := newCompositor(t, nil)
	writePNG(t, dir, "bg.png", 200, 100, color.NRGBA{R: 255, A: 255})

	slide := slides.Slide{ID: "s1", ExportWidth: 100, ExportHeight: 100, Image: slides.ImageRef{Source: slides.SourceLocal, Path: "bg.png"}}
	img, err := c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 0.5, DPR: 2})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 100, 100), img.Bounds())

	for _, pt := range []image.Point{{0, 0}, {50, 50}, {99, 99}} {
		r, g, b := rgbaAt(img, pt.X, pt.Y)
		require.Greater(t, r, uint8(250), "pixel %v", pt)
		require.Less(t, g, uint8(5), "pixel %v", pt)
		require.Less(t, b, uint8(5), "pixel %v", pt)
	}
	require.True(t, cache.Contains(bitmapcache.Key{AssetID: "bg.png", Width: 100, Height: 100}))

	_, err = c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 1})
	require.NoError(t, err)
	require.EqualValues(t, 1, cache.Stats().Hits)

	small, err := c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 0.25})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 25, 25), small.Bounds())
	require.Equal(t, 2, cache.Stats().Entries, "one decoded bitmap per canvas size")
}

func TestRenderSlideDownscalesThroughTranscoder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := transcoder.Start(ctx, 1, transcoder.Options{})
	defer client.Close()

	c, _, dir := newCompositor(t, func(o *Options) { o.Transcoder = client })
	writePNG(t, dir, "bg.png", 400, 200, color.NRGBA{G: 255, A: 255})

	slide := slides.Slide{ID: "s1", ExportWidth: 60, ExportHeight: 60, Image: slides.ImageRef{Path: "bg.png"}}
	img, err := c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 1})
	require.NoError(t, err)
	r, g, b := rgbaAt(img, 30, 30)
	require.Less(t, r, uint8(40))
	require.Greater(t, g, uint8(215))
	require.Less(t, b, uint8(40))
}

func TestRenderSlideDownscalesWithoutTranscoder(t *testing.T) {
	c, cache, dir := newCompositor(t, nil)
	writePNG(t, dir, "huge.png", 600, 400, color.NRGBA{B: 255, A: 255})

	slide := slides.Slide{ID: "s1", ExportWidth: 60, ExportHeight: 50, Image: slides.ImageRef{Path: "huge.png"}}
	img, err := c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 1})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 60, 50), img.Bounds())
	_, _, b := rgbaAt(img, 30, 25)
	require.Greater(t, b, uint8(215))

	bm, err := c.loadBackground(context.Background(), "huge.png", image.Pt(60, 50))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 60, 40), bm.Bounds(), "longest edge capped at the canvas")
	require.Equal(t, int64(60*40*4), cache.Stats().Bytes)
	require.Less(t, cache.Stats().Bytes, int64(600*400*4))
}

func TestBackgroundSelection(t *testing.T) {
	candidates := []string{"a.png", "b.png", "c.png", "d.png"}
	s := slides.Slide{ID: "s1", Seed: "summer", Image: slides.ImageRef{Path: "fallback.png", Candidates: candidates}}

	want, _ := seeded.RandomItem("summer", candidates)
	got, err := backgroundPath(s)
	require.NoError(t, err)
	require.Equal(t, want, got)
	again, err := backgroundPath(s)
	require.NoError(t, err)
	require.Equal(t, got, again)

	s.Image.Candidates = nil
	got, err = backgroundPath(s)
	require.NoError(t, err)
	require.Equal(t, "fallback.png", got)

	s.Image.Source = slides.SourceCloud
	_, err = backgroundPath(s)
	require.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestRenderSlideBackgroundFailures(t *testing.T) {
	c, cache, dir := newCompositor(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0o600))

	for _, path := range []string{"missing.png", "broken.png", "../outside.png"} {
		slide := slides.Slide{ID: "s", ExportWidth: 10, ExportHeight: 10, Image: slides.ImageRef{Path: path}}
		_, err := c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 1})
		require.ErrorIs(t, err, bitmapcache.ErrDecode, path)
	}
	require.Zero(t, cache.Stats().Entries)
}

func TestRenderSlideDrawsCaptions(t *testing.T) {
	presets := NewPresets(map[string]textlayout.Style{
		"headline": {FillColor: "#ff0000", VAlign: textlayout.AlignTop},
	})
	c, _, _ := newCompositor(t, func(o *Options) {
		o.Presets = presets
		o.Background = color.White
	})

	slide := slides.Slide{
		ID:           "s1",
		ExportWidth:  200,
		ExportHeight: 100,
		TextLayers:   []slides.TextLayer{{Text: "HELLO", Preset: "headline"}},
	}
	img, err := c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 1})
	require.NoError(t, err)

	red := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := rgbaAt(img, x, y)
			if r == 255 && g == 0 && bl == 0 {
				red++
			}
		}
	}
	require.Positive(t, red)

	slide.TextLayers[0].Style = &textlayout.Style{FillColor: "bogus"}
	_, err = c.RenderSlide(context.Background(), thumbnail.RenderRequest{Slide: slide, Scale: 1})
	require.Error(t, err)
}

func TestLayoutLayerRendersCaptionTemplates(t *testing.T) {
	c, _, _ := newCompositor(t, nil)
	slide := slides.Slide{ID: "s7", SheetID: "promo", ExportWidth: 1080, ExportHeight: 1920}

	caption, err := c.LayoutLayer(slide, slides.TextLayer{Text: "{{ .data.name }} on {{ .slide.id }}", Data: map[string]any{"name": "Ada"}}, image.Pt(540, 960), 0.5)
	require.NoError(t, err)
	require.Equal(t, "Ada on s7", caption.Text)
	require.Equal(t, textlayout.Aspect9x16, caption.Style.AspectRatio)
	require.Equal(t, 24.0, caption.Style.FontSize)
	require.Len(t, caption.Layout.Lines, 1)

	_, err = c.LayoutLayer(slide, slides.TextLayer{Text: "{{ .data.name "}, image.Pt(540, 960), 1)
	require.Error(t, err)
}

func TestPresets(t *testing.T) {
	p := NewPresets(map[string]textlayout.Style{"b": {FontSize: 10}, "a": {FontSize: 20}})
	require.Equal(t, []string{"a", "b"}, p.Names())

	style, ok := p.Resolve("a", &textlayout.Style{FillColor: "#000"})
	require.True(t, ok)
	require.Equal(t, textlayout.Style{FontSize: 20, FillColor: "#000"}, style)

	_, ok = p.Resolve("missing", nil)
	require.False(t, ok)
	_, ok = p.Resolve("", nil)
	require.True(t, ok)

	p.Replace(map[string]textlayout.Style{"c": {}})
	require.Equal(t, []string{"c"}, p.Names())
	_, ok = p.Preset("a")
	require.False(t, ok)

	var none *Presets
	require.Nil(t, none.Names())
}

func TestLayoutTextResolvesPresetAndTemplate(t *testing.T) {
	c, _, _ := newCompositor(t, func(o *Options) {
		o.Presets = NewPresets(map[string]textlayout.Style{"caption": {FontSize: 30, VAlign: textlayout.AlignBottom}})
	})

	caption, err := c.LayoutText("Hi {{ .name }}", map[string]any{"name": "Bo"}, "caption", &textlayout.Style{HAlign: textlayout.AlignLeft}, image.Pt(1080, 1920))
	require.NoError(t, err)
	require.Equal(t, "Hi Bo", caption.Text)
	require.Equal(t, 30.0, caption.Style.FontSize)
	require.Equal(t, textlayout.AlignLeft, caption.Style.HAlign)
	require.Equal(t, textlayout.Aspect9x16, caption.Style.AspectRatio)

	_, err = c.LayoutText("x", nil, "missing", nil, image.Pt(100, 100))
	require.ErrorIs(t, err, ErrUnknownPreset)
}
