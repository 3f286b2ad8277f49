package bitmapcache

import (
	"image"
	"image/draw"
	"sync"
)

// Bitmap is a decoded RGBA surface owned by the cache. After Release the pixel
// buffer is dropped and Image returns nil.
type Bitmap struct {
	mu  sync.RWMutex
	img *image.RGBA
}

// NewBitmap wraps img, converting it to RGBA when needed.
func NewBitmap(img image.Image) *Bitmap {
	if img == nil {
		return &Bitmap{}
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &Bitmap{img: rgba}
}

// Image returns the decoded surface, or nil once released.
func (b *Bitmap) Image() *image.RGBA {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.img
}

// Bounds returns the surface size, or an empty rectangle once released.
func (b *Bitmap) Bounds() image.Rectangle {
	img := b.Image()
	if img == nil {
		return image.Rectangle{}
	}
	return img.Bounds()
}

// SizeBytes is the pixel buffer length, or zero once released.
func (b *Bitmap) SizeBytes() int64 {
	img := b.Image()
	if img == nil {
		return 0
	}
	return int64(len(img.Pix))
}

// Released reports whether Release has run.
func (b *Bitmap) Released() bool {
	return b.Image() == nil
}

// Release drops the pixel buffer.
func (b *Bitmap) Release() {
	b.mu.Lock()
	b.img = nil
	b.mu.Unlock()
}
