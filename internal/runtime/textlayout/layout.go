package textlayout

import (
	"image"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// HAlign positions lines horizontally relative to the block anchor.
type HAlign string

// VAlign positions the text block vertically inside its frame.
type VAlign string

const (
	AlignLeft   HAlign = "left"
	AlignCenter HAlign = "center"
	AlignRight  HAlign = "right"

	AlignTop    VAlign = "top"
	AlignMiddle VAlign = "center"
	AlignBottom VAlign = "bottom"
)

const (
	defaultFontSize    = 48
	defaultLineSpacing = 1.2
)

// Style carries the caption parameters supplied by presets or callers.
type Style struct {
	FontSize       float64 `koanf:"fontSize" json:"fontSize,omitempty"`
	LineSpacing    float64 `koanf:"lineSpacing" json:"lineSpacing,omitempty"`
	MaxTextWidthPx float64 `koanf:"maxTextWidthPx" json:"maxTextWidthPx,omitempty"`
	OffsetX        float64 `koanf:"offsetX" json:"offsetX,omitempty"`
	OffsetY        float64 `koanf:"offsetY" json:"offsetY,omitempty"`
	Rotation       float64 `koanf:"rotation" json:"rotation,omitempty"`
	HAlign         HAlign  `koanf:"hAlign" json:"hAlign,omitempty"`
	VAlign         VAlign  `koanf:"vAlign" json:"vAlign,omitempty"`
	UseSafeZone    bool    `koanf:"useSafeZone" json:"useSafeZone,omitempty"`
	AspectRatio    string  `koanf:"aspectRatio" json:"aspectRatio,omitempty"`
	FillColor      string  `koanf:"fillColor" json:"fillColor,omitempty"`
	OutlineColor   string  `koanf:"outlineColor" json:"outlineColor,omitempty"`
	OutlineWidth   float64 `koanf:"outlineWidth" json:"outlineWidth,omitempty"`
}

// withDefaults fills zero values. MaxTextWidthPx defaults to the canvas width.
func (s Style) withDefaults(canvas image.Point) Style {
	if s.FontSize <= 0 {
		s.FontSize = defaultFontSize
	}
	if s.LineSpacing <= 0 {
		s.LineSpacing = defaultLineSpacing
	}
	if s.MaxTextWidthPx <= 0 {
		s.MaxTextWidthPx = float64(canvas.X)
	}
	switch s.HAlign {
	case AlignLeft, AlignRight:
	default:
		s.HAlign = AlignCenter
	}
	switch s.VAlign {
	case AlignTop, AlignBottom:
	default:
		s.VAlign = AlignMiddle
	}
	return s
}

// Merge returns s with every non-zero field of o applied on top.
func (s Style) Merge(o *Style) Style {
	if o == nil {
		return s
	}
	if o.FontSize != 0 {
		s.FontSize = o.FontSize
	}
	if o.LineSpacing != 0 {
		s.LineSpacing = o.LineSpacing
	}
	if o.MaxTextWidthPx != 0 {
		s.MaxTextWidthPx = o.MaxTextWidthPx
	}
	if o.OffsetX != 0 {
		s.OffsetX = o.OffsetX
	}
	if o.OffsetY != 0 {
		s.OffsetY = o.OffsetY
	}
	if o.Rotation != 0 {
		s.Rotation = o.Rotation
	}
	if o.HAlign != "" {
		s.HAlign = o.HAlign
	}
	if o.VAlign != "" {
		s.VAlign = o.VAlign
	}
	if o.UseSafeZone {
		s.UseSafeZone = true
	}
	if o.AspectRatio != "" {
		s.AspectRatio = o.AspectRatio
	}
	if o.FillColor != "" {
		s.FillColor = o.FillColor
	}
	if o.OutlineColor != "" {
		s.OutlineColor = o.OutlineColor
	}
	if o.OutlineWidth != 0 {
		s.OutlineWidth = o.OutlineWidth
	}
	return s
}

// Scaled converts a style authored for the export canvas to a canvas factor
// times that size. Unset sizes stay unset so defaults still apply.
func (s Style) Scaled(factor float64) Style {
	if factor <= 0 || factor == 1 {
		return s
	}
	s.FontSize *= factor
	s.MaxTextWidthPx *= factor
	s.OffsetX *= factor
	s.OffsetY *= factor
	s.OutlineWidth *= factor
	if s.FontSize == 0 {
		s.FontSize = defaultFontSize * factor
	}
	return s
}

// Measurer reports text advance widths and vertical font metrics in pixels.
type Measurer interface {
	Measure(s string) float64
	Metrics() (ascent, descent float64)
}

// Line is one wrapped line. X is where drawing starts for the line's
// alignment; Overflow marks a single word wider than the wrap width.
type Line struct {
	Text     string  `json:"text"`
	Width    float64 `json:"width"`
	X        float64 `json:"x"`
	Baseline float64 `json:"baseline"`
	Overflow bool    `json:"overflow,omitempty"`
}

// Result is the caption geometry for one layout call.
type Result struct {
	Lines       []Line  `json:"lines"`
	AnchorX     float64 `json:"anchorX"`
	CenterX     float64 `json:"centerX"`
	Top         float64 `json:"top"`
	BlockWidth  float64 `json:"blockWidth"`
	BlockHeight float64 `json:"blockHeight"`
	LineHeight  float64 `json:"lineHeight"`
	WrapWidth   float64 `json:"wrapWidth"`
	Rotation    float64 `json:"rotation,omitempty"`
	Overflow    bool    `json:"overflow,omitempty"`
	SafeZone    *Rect   `json:"safeZone,omitempty"`
}

// Rect is a JSON friendly rectangle.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pivot is the block centre that rotation is applied around.
func (r Result) Pivot() (float64, float64) {
	return r.CenterX, r.Top + r.BlockHeight/2
}

// Layout wraps text and places the lines on a canvas of the given size.
//
// Explicit newlines start new paragraphs. Words are wrapped greedily and never
// split; a word wider than the wrap width gets a line of its own with
// Overflow set. With UseSafeZone the wrap width is capped at the safe zone
// and the block is moved inside it, pinned to the top edge when it is taller.
func Layout(text string, style Style, canvas image.Point, m Measurer) Result {
	style = style.withDefaults(canvas)

	frame := image.Rect(0, 0, canvas.X, canvas.Y)
	wrapWidth := style.MaxTextWidthPx
	var zone image.Rectangle
	if style.UseSafeZone {
		zone = SafeZone(style.AspectRatio, canvas)
		frame = zone
		wrapWidth = math.Min(wrapWidth, float64(zone.Dx()))
	}

	lines := wrap(norm.NFC.String(text), wrapWidth, m)
	lineHeight := style.FontSize * style.LineSpacing
	blockHeight := lineHeight * float64(len(lines))
	blockWidth := 0.0
	overflow := false
	for _, l := range lines {
		blockWidth = math.Max(blockWidth, l.Width)
		overflow = overflow || l.Overflow
	}

	var top float64
	switch style.VAlign {
	case AlignTop:
		top = float64(frame.Min.Y) + style.OffsetY
	case AlignBottom:
		top = float64(frame.Max.Y) - blockHeight + style.OffsetY
	default:
		top = float64(frame.Min.Y+frame.Max.Y)/2 - blockHeight/2 + style.OffsetY
	}
	centerX := float64(canvas.X)/2 + style.OffsetX

	if style.UseSafeZone {
		top = clampSpan(top, blockHeight, float64(zone.Min.Y), float64(zone.Max.Y))
		left := clampSpan(centerX-blockWidth/2, blockWidth, float64(zone.Min.X), float64(zone.Max.X))
		centerX = left + blockWidth/2
	}

	anchorX := centerX
	switch style.HAlign {
	case AlignLeft:
		anchorX = centerX - blockWidth/2
	case AlignRight:
		anchorX = centerX + blockWidth/2
	}

	ascent, descent := m.Metrics()
	glyphOffset := (lineHeight-(ascent+descent))/2 + ascent
	for i := range lines {
		lines[i].Baseline = top + float64(i)*lineHeight + glyphOffset
		switch style.HAlign {
		case AlignLeft:
			lines[i].X = anchorX
		case AlignRight:
			lines[i].X = anchorX - lines[i].Width
		default:
			lines[i].X = anchorX - lines[i].Width/2
		}
	}

	res := Result{
		Lines:       lines,
		AnchorX:     anchorX,
		CenterX:     centerX,
		Top:         top,
		BlockWidth:  blockWidth,
		BlockHeight: blockHeight,
		LineHeight:  lineHeight,
		WrapWidth:   wrapWidth,
		Rotation:    style.Rotation,
		Overflow:    overflow,
	}
	if style.UseSafeZone {
		res.SafeZone = &Rect{X: zone.Min.X, Y: zone.Min.Y, Width: zone.Dx(), Height: zone.Dy()}
	}
	return res
}

// clampSpan keeps [start, start+size] inside [lo, hi], preferring lo when the
// span does not fit.
func clampSpan(start, size, lo, hi float64) float64 {
	if start+size > hi {
		start = hi - size
	}
	if start < lo {
		start = lo
	}
	return start
}

func wrap(text string, maxWidth float64, m Measurer) []Line {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var lines []Line
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, Line{})
			continue
		}
		current := ""
		for _, word := range words {
			candidate := word
			if current != "" {
				candidate = current + " " + word
			}
			if m.Measure(candidate) <= maxWidth {
				current = candidate
				continue
			}
			if current != "" {
				lines = append(lines, Line{Text: current, Width: m.Measure(current)})
				current = ""
			}
			if w := m.Measure(word); w > maxWidth {
				lines = append(lines, Line{Text: word, Width: w, Overflow: true})
				continue
			}
			current = word
		}
		if current != "" {
			lines = append(lines, Line{Text: current, Width: m.Measure(current)})
		}
	}
	return lines
}
