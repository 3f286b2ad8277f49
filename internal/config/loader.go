package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
	dotenv    []string
}

// NewLoader prepares a config hydrator for the given env prefix and YAML files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// WithDotEnv loads KEY=value files into the process environment before the env
// provider runs. Variables already set win; missing files are ignored.
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotenv = append(l.dotenv, paths...)
	return l
}

// canonicalKeys maps lower-cased env paths back to their camelCase config keys
// so env overrides replace file values instead of sitting beside them.
var canonicalKeys = map[string]string{
	"server.bitmaps.budgetmib":                 "server.bitmaps.budgetMiB",
	"server.thumbnails.deferdelayms":           "server.thumbnails.deferDelayMs",
	"server.thumbnails.idletimeoutms":          "server.thumbnails.idleTimeoutMs",
	"server.thumbnails.sweepschedule":          "server.thumbnails.sweepSchedule",
	"server.thumbnails.store.redis.keyprefix":  "server.thumbnails.store.redis.keyPrefix",
	"server.thumbnails.store.redis.tls.cafile": "server.thumbnails.store.redis.tls.caFile",
	"server.transcoder.maxside":                "server.transcoder.maxSide",
	"server.presets.presetsfolder":             "server.presets.presetsFolder",
	"server.presets.presetsfile":               "server.presets.presetsFile",
	"server.grouping.batchsize":                "server.grouping.batchSize",
	"server.grouping.dayexpression":            "server.grouping.dayExpression",
	"server.templates.templatesfolder":         "server.templates.templatesFolder",
}

// Load assembles the effective snapshot using the documented precedence rules
// and then resolves the preset catalog.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := l.loadDotEnv(); err != nil {
		return Config{}, err
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so QUEUE_CONCURRENCY collapses into queueconcurrency.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlinePresets = clonePresetMap(cfg.Presets)

	bundle, err := buildPresetBundle(ctx, cfg.InlinePresets, cfg.Server.Presets)
	if err != nil {
		return Config{}, err
	}
	cfg.Presets = bundle.Presets
	cfg.PresetSources = bundle.Sources
	cfg.SkippedPresets = bundle.Skipped
	return cfg, nil
}

func (l *Loader) loadDotEnv() error {
	for _, path := range l.dotenv {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load dotenv %s: %w", path, err)
		}
	}
	return nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	s := cfg.Server
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": s.Listen.Address,
				"port":    s.Listen.Port,
			},
			"logging": map[string]any{
				"level":  s.Logging.Level,
				"format": s.Logging.Format,
			},
			"bitmaps": map[string]any{
				"budgetMiB": s.Bitmaps.BudgetMiB,
			},
			"queue": map[string]any{
				"concurrency": s.Queue.Concurrency,
			},
			"thumbnails": map[string]any{
				"width":         s.Thumbnails.Width,
				"quality":       s.Thumbnails.Quality,
				"dpr":           s.Thumbnails.DPR,
				"deferral":      s.Thumbnails.Deferral,
				"deferDelayMs":  s.Thumbnails.DeferDelayMs,
				"idleTimeoutMs": s.Thumbnails.IdleTimeoutMs,
				"sweepSchedule": s.Thumbnails.SweepSchedule,
				"store": map[string]any{
					"backend": s.Thumbnails.Store.Backend,
					"redis": map[string]any{
						"address":   s.Thumbnails.Store.Redis.Address,
						"username":  s.Thumbnails.Store.Redis.Username,
						"password":  s.Thumbnails.Store.Redis.Password,
						"db":        s.Thumbnails.Store.Redis.DB,
						"keyPrefix": s.Thumbnails.Store.Redis.KeyPrefix,
						"tls": map[string]any{
							"enabled": s.Thumbnails.Store.Redis.TLS.Enabled,
							"caFile":  s.Thumbnails.Store.Redis.TLS.CAFile,
						},
					},
				},
			},
			"transcoder": map[string]any{
				"workers": s.Transcoder.Workers,
				"maxSide": s.Transcoder.MaxSide,
			},
			"assets": map[string]any{
				"root": s.Assets.Root,
			},
			"fonts": map[string]any{
				"file": s.Fonts.File,
			},
			"presets": map[string]any{
				"presetsFolder": s.Presets.PresetsFolder,
				"presetsFile":   s.Presets.PresetsFile,
			},
			"grouping": map[string]any{
				"batchSize":     s.Grouping.BatchSize,
				"dayExpression": s.Grouping.DayExpression,
			},
			"templates": map[string]any{
				"templatesFolder": s.Templates.TemplatesFolder,
			},
		},
	}
}
