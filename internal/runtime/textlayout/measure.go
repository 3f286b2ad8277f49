package textlayout

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// FaceMeasurer measures text with a font face.
type FaceMeasurer struct {
	Face font.Face
}

// NewFaceMeasurer falls back to the built-in bitmap face when face is nil.
func NewFaceMeasurer(face font.Face) FaceMeasurer {
	if face == nil {
		face = DefaultFace()
	}
	return FaceMeasurer{Face: face}
}

func (m FaceMeasurer) Measure(s string) float64 {
	return fixedToFloat(font.MeasureString(m.Face, s))
}

func (m FaceMeasurer) Metrics() (float64, float64) {
	met := m.Face.Metrics()
	return fixedToFloat(met.Ascent), fixedToFloat(met.Descent)
}

// DefaultFace is a 7x13 bitmap face that needs no font files.
func DefaultFace() font.Face {
	return basicfont.Face7x13
}

// LoadFace parses a TrueType or OpenType font file at the given pixel size.
func LoadFace(path string, size float64) (font.Face, error) {
	fonts, err := OpenFonts(path)
	if err != nil {
		return nil, err
	}
	return fonts.Face(size)
}

// Fonts hands out faces of one parsed font file, one per pixel size. A nil
// *Fonts returns DefaultFace for every size.
type Fonts struct {
	path   string
	parsed *opentype.Font

	mu    sync.Mutex
	faces map[float64]font.Face
}

// OpenFonts reads and parses a font file once.
func OpenFonts(path string) (*Fonts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("textlayout: read font: %w", err)
	}
	parsed, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("textlayout: parse font %s: %w", path, err)
	}
	return &Fonts{path: path, parsed: parsed, faces: make(map[float64]font.Face)}, nil
}

// Face returns the face for size, creating it on first use.
func (f *Fonts) Face(size float64) (font.Face, error) {
	if f == nil {
		return DefaultFace(), nil
	}
	if size <= 0 {
		size = defaultFontSize
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if face, ok := f.faces[size]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(f.parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("textlayout: font face %s@%g: %w", f.path, size, err)
	}
	f.faces[size] = face
	return face, nil
}

func fixedToFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}
