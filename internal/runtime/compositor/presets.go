package compositor

import (
	"maps"
	"slices"
	"sync"

	"github.com/l0p7/slideforge/internal/runtime/textlayout"
)

// Presets is the named caption style catalog. Replace swaps the whole set, so
// a hot reload never exposes a half-applied catalog.
type Presets struct {
	mu     sync.RWMutex
	styles map[string]textlayout.Style
}

// NewPresets copies styles into a new catalog.
func NewPresets(styles map[string]textlayout.Style) *Presets {
	return &Presets{styles: maps.Clone(styles)}
}

// Preset looks up a style by name.
func (p *Presets) Preset(name string) (textlayout.Style, bool) {
	if p == nil || name == "" {
		return textlayout.Style{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	style, ok := p.styles[name]
	return style, ok
}

// Replace installs a new catalog.
func (p *Presets) Replace(styles map[string]textlayout.Style) {
	p.mu.Lock()
	p.styles = maps.Clone(styles)
	p.mu.Unlock()
}

// Names lists preset names, sorted.
func (p *Presets) Names() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.styles))
}

// Resolve merges the named preset with an override. Unknown names resolve to
// the override alone and report false.
func (p *Presets) Resolve(name string, override *textlayout.Style) (textlayout.Style, bool) {
	base, ok := p.Preset(name)
	return base.Merge(override), ok || name == ""
}
