package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality is the JPEG quality used for re-encoded images.
	DefaultQuality = 85
	// DefaultMaxSide bounds the longest edge when a request leaves MaxSide unset.
	DefaultMaxSide = 2048
)

// Worker decodes, downscales and re-encodes images. It holds no state shared
// with callers; a Client talks to it only through Request and Response values.
type Worker struct {
	Quality int
	Logger  *slog.Logger
}

// Process handles one request. It never panics: malformed payloads and decoder
// panics become a Response carrying Error.
func (w Worker) Process(req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp = Response{ID: req.ID, Error: fmt.Sprintf("decoder panic: %v", r)}
		}
	}()

	data := req.ArrayBuffer
	if len(data) == 0 {
		resp.Error = "empty payload"
		return resp
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		resp.Error = fmt.Sprintf("decode %s: %v", displayName(req.Filename), err)
		return resp
	}
	b := src.Bounds()
	resp.OriginalWidth, resp.OriginalHeight = b.Dx(), b.Dy()
	if b.Empty() {
		resp.Error = "decoded image is empty"
		return resp
	}

	dst := Downscale(src, req.MaxSide)
	dw, dh := dst.Bounds().Dx(), dst.Bounds().Dy()

	quality := w.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		resp.Error = fmt.Sprintf("encode: %v", err)
		return resp
	}
	resp.Blob = buf.Bytes()

	if w.Logger != nil {
		w.Logger.Debug("image transcoded",
			slog.String("id", req.ID),
			slog.String("format", format),
			slog.Int("original_width", resp.OriginalWidth),
			slog.Int("original_height", resp.OriginalHeight),
			slog.Int("width", dw),
			slog.Int("height", dh),
		)
	}
	return resp
}

// Downscale resamples src so its longest edge is at most maxSide. Smaller
// images are copied at their own size.
func Downscale(src image.Image, maxSide int) *image.RGBA {
	b := src.Bounds()
	dw, dh := scaledSize(b.Dx(), b.Dy(), maxSide)
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// scaledSize applies the uniform factor min(1, maxSide/max(w, h)).
func scaledSize(w, h, maxSide int) (int, int) {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	longest := max(w, h)
	scale := math.Min(1, float64(maxSide)/float64(longest))
	dw := max(1, int(math.Round(float64(w)*scale)))
	dh := max(1, int(math.Round(float64(h)*scale)))
	return dw, dh
}

func displayName(filename string) string {
	if filename == "" {
		return "image"
	}
	return filename
}

// decodeResponse turns a wire response into a caller result.
func decodeResponse(resp Response) (Result, error) {
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrTranscode, resp.ID, resp.Error)
	}
	if len(resp.Blob) == 0 {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrTranscode, resp.ID, errors.New("empty blob"))
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(resp.Blob))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrTranscode, resp.ID, err)
	}
	return Result{
		ID:             resp.ID,
		Blob:           resp.Blob,
		ContentType:    "image/jpeg",
		Width:          cfg.Width,
		Height:         cfg.Height,
		OriginalWidth:  resp.OriginalWidth,
		OriginalHeight: resp.OriginalHeight,
	}, nil
}
