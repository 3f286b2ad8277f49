package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
)

const inlineSourceName = "inline-config"

// PresetBundle is the merged preset catalog after loading every configured
// source, with the metadata health checks report.
type PresetBundle struct {
	Presets map[string]textlayout.Style
	Sources []string
	Skipped []DefinitionSkip
}

type presetDocument struct {
	Presets map[string]textlayout.Style `koanf:"presets"`
}

type presetAggregator struct {
	presets map[string]textlayout.Style
	origins map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newPresetAggregator() *presetAggregator {
	return &presetAggregator{
		presets: make(map[string]textlayout.Style),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *presetAggregator) addDocument(doc presetDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, style := range doc.Presets {
		a.add(name, style, source)
	}
}

// add registers a preset. A name seen in two sources is quarantined in both,
// and later sources naming it are recorded against the skip.
func (a *presetAggregator) add(name string, style textlayout.Style, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.skip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.presets, name)
		return
	}
	if err := validateStyle(style); err != nil {
		a.skip(name, fmt.Sprintf("invalid style: %v", err), source)
		return
	}
	a.origins[name] = source
	a.presets[name] = style
}

func (a *presetAggregator) skip(name, reason string, sources ...string) {
	entry, ok := a.skips[name]
	if !ok {
		entry = &DefinitionSkip{Kind: "preset", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = entry
	}
	for _, src := range sources {
		entry.Sources = appendUnique(entry.Sources, src)
	}
}

func (a *presetAggregator) bundle() PresetBundle {
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, entry := range a.skips {
		sort.Strings(entry.Sources)
		skipped = append(skipped, *entry)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return PresetBundle{Presets: maps.Clone(a.presets), Sources: sources, Skipped: skipped}
}

func validateStyle(s textlayout.Style) error {
	if s.FontSize < 0 || s.LineSpacing < 0 || s.MaxTextWidthPx < 0 || s.OutlineWidth < 0 {
		return fmt.Errorf("sizes must not be negative")
	}
	switch s.HAlign {
	case "", textlayout.AlignLeft, textlayout.AlignCenter, textlayout.AlignRight:
	default:
		return fmt.Errorf("hAlign unsupported: %s", s.HAlign)
	}
	switch s.VAlign {
	case "", textlayout.AlignTop, textlayout.AlignMiddle, textlayout.AlignBottom:
	default:
		return fmt.Errorf("vAlign unsupported: %s", s.VAlign)
	}
	switch s.AspectRatio {
	case "", textlayout.Aspect4x5, textlayout.Aspect9x16:
	default:
		return fmt.Errorf("aspectRatio unsupported: %s", s.AspectRatio)
	}
	if _, err := textlayout.ParseColor(s.FillColor, nil); err != nil {
		return err
	}
	if _, err := textlayout.ParseColor(s.OutlineColor, nil); err != nil {
		return err
	}
	return nil
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildPresetBundle(ctx context.Context, inline map[string]textlayout.Style, presetsCfg PresetsConfig) (PresetBundle, error) {
	agg := newPresetAggregator()
	if len(inline) > 0 {
		agg.addDocument(presetDocument{Presets: inline}, inlineSourceName)
	}

	files, err := collectPresetSources(ctx, presetsCfg)
	if err != nil {
		return PresetBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return PresetBundle{}, ctx.Err()
		default:
		}
		doc, err := loadPresetDocument(path)
		if err != nil {
			return PresetBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	return agg.bundle(), nil
}

func collectPresetSources(ctx context.Context, presetsCfg PresetsConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if presetsCfg.PresetsFile != "" {
		info, err := os.Stat(presetsCfg.PresetsFile)
		if err != nil {
			return nil, fmt.Errorf("config: presets file %s: %w", presetsCfg.PresetsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config: presets file %s: expected a file, found directory", presetsCfg.PresetsFile)
		}
		return []string{filepath.Clean(presetsCfg.PresetsFile)}, nil
	}
	if presetsCfg.PresetsFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(presetsCfg.PresetsFolder)
	if err != nil {
		return nil, fmt.Errorf("config: presets folder %s: %w", presetsCfg.PresetsFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: presets folder %s is not a directory", presetsCfg.PresetsFolder)
	}
	var files []string
	err = filepath.WalkDir(presetsCfg.PresetsFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedPresetsFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk presets folder %s: %w", presetsCfg.PresetsFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadPresetDocument(path string) (presetDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return presetDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return presetDocument{}, fmt.Errorf("config: load presets from %s: %w", path, err)
	}
	var doc presetDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return presetDocument{}, fmt.Errorf("config: decode presets from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported presets file extension %s", ext)
	}
}

func isSupportedPresetsFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func clonePresetMap(in map[string]textlayout.Style) map[string]textlayout.Style {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
