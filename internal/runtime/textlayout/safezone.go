package textlayout

import (
	"image"
	"math"
)

// Supported export aspect ratios.
const (
	Aspect4x5  = "4:5"
	Aspect9x16 = "9:16"
)

type insets struct {
	left, right, top, bottom float64
}

// Story formats reserve more room at the bottom for platform chrome.
var safeInsets = map[string]insets{
	Aspect4x5:  {left: 0.06, right: 0.06, top: 0.08, bottom: 0.08},
	Aspect9x16: {left: 0.08, right: 0.08, top: 0.14, bottom: 0.20},
}

// SafeZone returns the rectangle text must stay inside for aspect on a canvas
// of the given size. Unknown ratios use the 4:5 insets.
func SafeZone(aspect string, canvas image.Point) image.Rectangle {
	in, ok := safeInsets[aspect]
	if !ok {
		in = safeInsets[Aspect4x5]
	}
	w, h := float64(canvas.X), float64(canvas.Y)
	return image.Rect(
		int(math.Round(w*in.left)),
		int(math.Round(h*in.top)),
		canvas.X-int(math.Round(w*in.right)),
		canvas.Y-int(math.Round(h*in.bottom)),
	)
}

// AspectFor names the supported ratio closest to a canvas size.
func AspectFor(canvas image.Point) string {
	if canvas.X <= 0 || canvas.Y <= 0 {
		return Aspect4x5
	}
	ratio := float64(canvas.X) / float64(canvas.Y)
	if math.Abs(ratio-9.0/16.0) < math.Abs(ratio-4.0/5.0) {
		return Aspect9x16
	}
	return Aspect4x5
}
