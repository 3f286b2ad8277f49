package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestWorkerProcessDownscales(t *testing.T) {
	resp := Worker{}.Process(Request{ID: "x", ArrayBuffer: pngBytes(t, 400, 200), Filename: "a.png", MaxSide: 100})
	require.Equal(t, "x", resp.ID)
	require.Empty(t, resp.Error)
	require.Equal(t, 400, resp.OriginalWidth)
	require.Equal(t, 200, resp.OriginalHeight)
	w, h := jpegSize(t, resp.Blob)
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)
}

func TestWorkerProcessNeverUpscales(t *testing.T) {
	resp := Worker{Quality: 70}.Process(Request{ID: "small", ArrayBuffer: pngBytes(t, 30, 20), MaxSide: 1000})
	require.Empty(t, resp.Error)
	w, h := jpegSize(t, resp.Blob)
	require.Equal(t, 30, w)
	require.Equal(t, 20, h)
}

func TestWorkerProcessInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty"},
		{name: "garbage", payload: []byte("definitely not an image")},
		{name: "truncated png", payload: pngBytes(t, 10, 10)[:20]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := Worker{}.Process(Request{ID: "x", ArrayBuffer: tc.payload, Filename: "broken.png", MaxSide: 64})
			require.Equal(t, "x", resp.ID)
			require.NotEmpty(t, resp.Error)
			require.Empty(t, resp.Blob)
		})
	}
}

func TestScaledSize(t *testing.T) {
	tests := []struct {
		w, h, maxSide int
		wantW, wantH  int
	}{
		{w: 4000, h: 3000, maxSide: 1000, wantW: 1000, wantH: 750},
		{w: 3000, h: 4000, maxSide: 1000, wantW: 750, wantH: 1000},
		{w: 500, h: 500, maxSide: 1000, wantW: 500, wantH: 500},
		{w: 5000, h: 1, maxSide: 100, wantW: 100, wantH: 1},
		{w: 4096, h: 1024, maxSide: 0, wantW: 2048, wantH: 512},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%dx%d@%d", tc.w, tc.h, tc.maxSide), func(t *testing.T) {
			w, h := scaledSize(tc.w, tc.h, tc.maxSide)
			require.Equal(t, tc.wantW, w)
			require.Equal(t, tc.wantH, h)
		})
	}
}

func TestClientRoundTrip(t *testing.T) {
	c := Start(context.Background(), 2, Options{})
	defer c.Close()

	res, err := c.Transcode(context.Background(), Request{ID: "x", ArrayBuffer: pngBytes(t, 300, 150), Filename: "bg.png", MaxSide: 60})
	require.NoError(t, err)
	require.Equal(t, "x", res.ID)
	require.Equal(t, "image/jpeg", res.ContentType)
	require.Equal(t, 60, res.Width)
	require.Equal(t, 30, res.Height)
	require.Equal(t, 300, res.OriginalWidth)
	require.Equal(t, 150, res.OriginalHeight)
	require.Zero(t, c.Pending())
}

func TestClientReportsWorkerError(t *testing.T) {
	c := Start(context.Background(), 1, Options{})
	defer c.Close()

	_, err := c.Transcode(context.Background(), Request{ID: "x", ArrayBuffer: []byte("nope"), MaxSide: 10})
	require.ErrorIs(t, err, ErrTranscode)
	require.Contains(t, err.Error(), "x")
	require.Zero(t, c.Pending())

	// The pool keeps serving after a failure.
	_, err = c.Transcode(context.Background(), Request{ArrayBuffer: pngBytes(t, 8, 8), MaxSide: 4})
	require.NoError(t, err)
}

func TestClientCorrelatesConcurrentRequests(t *testing.T) {
	c := Start(context.Background(), 3, Options{})
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 1; i <= 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			res, err := c.Transcode(context.Background(), Request{ID: id, ArrayBuffer: pngBytes(t, 10*i, 5*i), MaxSide: 1000})
			if err != nil {
				errs <- err
				return
			}
			if res.ID != id || res.OriginalWidth != 10*i || res.Width != 10*i {
				errs <- fmt.Errorf("request %s got %+v", id, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, c.Pending())
}

func TestClientRejectsDuplicateID(t *testing.T) {
	c := Start(context.Background(), 1, Options{})
	defer c.Close()

	c.mu.Lock()
	c.pending["dup"] = make(chan Response, 1)
	c.mu.Unlock()

	_, err := c.Transcode(context.Background(), Request{ID: "dup", ArrayBuffer: pngBytes(t, 4, 4)})
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestClientClose(t *testing.T) {
	c := Start(context.Background(), 1, Options{})
	c.Close()
	c.Close()
	_, err := c.Transcode(context.Background(), Request{ArrayBuffer: pngBytes(t, 4, 4)})
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := Start(ctx, 1, Options{})
	cancel()
	require.Eventually(t, func() bool {
		_, err := c.Transcode(context.Background(), Request{ArrayBuffer: pngBytes(t, 4, 4)})
		return errors.Is(err, ErrClosed)
	}, time.Second, 5*time.Millisecond)
}
