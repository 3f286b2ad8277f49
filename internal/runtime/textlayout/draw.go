package textlayout

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
)

// Draw paints a layout result onto dst. When OutlineWidth is set the outline
// is painted first with a stroke of OutlineWidth*2 and round joins, so the
// fill always sits on top. Rotation turns the block around its centre.
func Draw(dst draw.Image, res Result, style Style, face font.Face) error {
	if face == nil {
		face = DefaultFace()
	}
	fill, err := ParseColor(style.FillColor, color.White)
	if err != nil {
		return err
	}
	outline, err := ParseColor(style.OutlineColor, color.Black)
	if err != nil {
		return err
	}

	bounds := dst.Bounds()
	glyphs := image.NewAlpha(bounds)
	drawer := font.Drawer{Dst: glyphs, Src: image.Opaque, Face: face}
	for _, line := range res.Lines {
		if line.Text == "" {
			continue
		}
		drawer.Dot = fixed.P(int(math.Round(line.X)), int(math.Round(line.Baseline)))
		drawer.DrawString(line.Text)
	}

	var stroke *image.Alpha
	if style.OutlineWidth > 0 {
		stroke = dilate(glyphs, style.OutlineWidth)
	}
	if res.Rotation != 0 {
		px, py := res.Pivot()
		glyphs = rotate(glyphs, res.Rotation, px, py)
		if stroke != nil {
			stroke = rotate(stroke, res.Rotation, px, py)
		}
	}

	if stroke != nil {
		draw.DrawMask(dst, bounds, image.NewUniform(outline), image.Point{}, stroke, bounds.Min, draw.Over)
	}
	draw.DrawMask(dst, bounds, image.NewUniform(fill), image.Point{}, glyphs, bounds.Min, draw.Over)
	return nil
}

// dilate grows the mask by a disk of the given radius, which is the outer half
// of a stroke twice as wide with round joins.
func dilate(src *image.Alpha, radius float64) *image.Alpha {
	b := src.Bounds()
	out := image.NewAlpha(b)
	r := int(math.Ceil(radius))
	type offset struct{ dx, dy int }
	var disk []offset
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if float64(dx*dx+dy*dy) <= radius*radius {
				disk = append(disk, offset{dx, dy})
			}
		}
	}

	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := src.Pix[y*src.Stride+x]
			if a == 0 {
				continue
			}
			for _, o := range disk {
				nx, ny := x+o.dx, y+o.dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				i := ny*out.Stride + nx
				if out.Pix[i] < a {
					out.Pix[i] = a
				}
			}
		}
	}
	return out
}

func rotate(src *image.Alpha, degrees, px, py float64) *image.Alpha {
	theta := degrees * math.Pi / 180
	sin, cos := math.Sincos(theta)
	m := f64.Aff3{
		cos, -sin, px - cos*px + sin*py,
		sin, cos, py - sin*px - cos*py,
	}
	out := image.NewAlpha(src.Bounds())
	draw.BiLinear.Transform(out, m, src, src.Bounds(), draw.Src, nil)
	return out
}

// ParseColor reads #rgb, #rrggbb or #rrggbbaa. An empty value yields fallback.
func ParseColor(value string, fallback color.Color) (color.Color, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if hex == "" {
		return fallback, nil
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return nil, fmt.Errorf("textlayout: invalid color %q", value)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("textlayout: invalid color %q: %w", value, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
