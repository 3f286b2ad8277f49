package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/seeded"
	"github.com/l0p7/slideforge/internal/runtime/slides"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedSource is returned for image sources that need network access.
var ErrUnsupportedSource = errors.New("compositor: unsupported image source")

// backgroundPath picks the slide background. Candidate lists are resolved with
// the slide seed so the same slide always gets the same picture.
func backgroundPath(s slides.Slide) (string, error) {
	if s.Image.Source == slides.SourceCloud {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, s.Image.Source)
	}
	seed := s.Seed
	if seed == "" {
		seed = s.ID
	}
	if path, ok := seeded.RandomItem(seed, s.Image.Candidates); ok {
		return path, nil
	}
	return s.Image.Path, nil
}

// loadBackground returns the decoded background for path, sized for a canvas
// of the given dimensions. Decoded bitmaps are shared through the cache.
func (c *Compositor) loadBackground(ctx context.Context, path string, canvas image.Point) (*bitmapcache.Bitmap, error) {
	key := bitmapcache.Key{AssetID: path, Width: canvas.X, Height: canvas.Y}
	return c.cache.GetOrCreate(ctx, key, func(ctx context.Context) (*bitmapcache.Bitmap, error) {
		img, err := c.decodeAsset(ctx, path, max(canvas.X, canvas.Y))
		if err != nil {
			return nil, err
		}
		return bitmapcache.NewBitmap(img), nil
	}, canvas.X, canvas.Y)
}

// decodeAsset reads an asset from the sandbox and decodes it so the surface
// is no larger than the canvas needs. With a transcoder the bytes are
// downscaled by a worker first; otherwise the decoded image is resampled here.
func (c *Compositor) decodeAsset(ctx context.Context, path string, maxSide int) (image.Image, error) {
	resolved, err := c.assets.Resolve(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("compositor: read asset: %w", err)
	}
	if c.transcoder != nil {
		res, err := c.transcoder.Transcode(ctx, transcoder.Request{ArrayBuffer: raw, Filename: path, MaxSide: maxSide})
		if err != nil {
			return nil, err
		}
		raw = res.Blob
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("compositor: decode %s: %w", path, err)
	}
	if b := img.Bounds(); maxSide > 0 && max(b.Dx(), b.Dy()) > maxSide {
		img = transcoder.Downscale(img, maxSide)
	}
	return img, nil
}
