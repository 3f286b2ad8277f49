package slides

import (
	"image"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/l0p7/slideforge/internal/runtime/textlayout"
)

// ImageSource tells where a background image lives.
type ImageSource string

const (
	SourceLocal ImageSource = "local"
	SourceCloud ImageSource = "cloud"
)

// ImageRef points at the background image. When Candidates is set the image is
// picked from it with the slide seed, so regenerating a slide picks the same one.
type ImageRef struct {
	Source     ImageSource `json:"source,omitempty"`
	Path       string      `json:"path,omitempty"`
	Candidates []string    `json:"candidates,omitempty"`
}

// TextLayer is one caption. Style overrides the named preset field by field.
type TextLayer struct {
	Text   string            `json:"text"`
	Preset string            `json:"preset,omitempty"`
	Style  *textlayout.Style `json:"style,omitempty"`
	Data   map[string]any    `json:"data,omitempty"`
}

// Slide is a generated image record. The core only changes the thumbnail
// fields and the revision counter.
type Slide struct {
	ID                 string            `json:"id"`
	SheetID            string            `json:"sheetId"`
	Seed               string            `json:"seed"`
	Revision           int               `json:"revision"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	ExportWidth        int               `json:"exportWidth"`
	ExportHeight       int               `json:"exportHeight"`
	AspectRatio        string            `json:"aspectRatio,omitempty"`
	Image              ImageRef          `json:"image"`
	TextLayers         []TextLayer       `json:"textLayers,omitempty"`
	Meta               map[string]string `json:"meta,omitempty"`
	ThumbnailRef       string            `json:"thumbnailRef,omitempty"`
	ThumbnailUpdatedAt time.Time         `json:"thumbnailUpdatedAt,omitzero"`
}

// Clone returns a deep copy.
func (s Slide) Clone() Slide {
	out := s
	out.Image.Candidates = slices.Clone(s.Image.Candidates)
	out.Meta = maps.Clone(s.Meta)
	if s.TextLayers != nil {
		out.TextLayers = make([]TextLayer, len(s.TextLayers))
		for i, layer := range s.TextLayers {
			out.TextLayers[i] = layer
			if layer.Style != nil {
				style := *layer.Style
				out.TextLayers[i].Style = &style
			}
			out.TextLayers[i].Data = maps.Clone(layer.Data)
		}
	}
	return out
}

// FirstText returns the text of the first layer, or "".
func (s *Slide) FirstText() string {
	if len(s.TextLayers) == 0 {
		return ""
	}
	return s.TextLayers[0].Text
}

// ThumbnailStale reports whether the slide has no thumbnail or changed after it
// was rendered.
func (s *Slide) ThumbnailStale() bool {
	return s.ThumbnailRef == "" || s.ThumbnailUpdatedAt.Before(s.UpdatedAt)
}

// Aspect returns the configured aspect ratio or the one closest to the export size.
func (s *Slide) Aspect() string {
	if a := strings.TrimSpace(s.AspectRatio); a != "" {
		return a
	}
	return textlayout.AspectFor(s.ExportSize())
}

// ExportSize is the export canvas, falling back to the default size.
func (s *Slide) ExportSize() image.Point {
	if s.ExportWidth <= 0 || s.ExportHeight <= 0 {
		return image.Pt(DefaultExportWidth, DefaultExportHeight)
	}
	return image.Pt(s.ExportWidth, s.ExportHeight)
}

// Default export canvas for records that leave it unset.
const (
	DefaultExportWidth  = 1080
	DefaultExportHeight = 1350
)

// Compare orders slides by UpdatedAt, then ID.
func Compare(a, b *Slide) int {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
