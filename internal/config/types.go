package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/l0p7/slideforge/internal/expr"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
	"github.com/robfig/cron/v3"
)

// Config holds every server-level option plus the preset catalog once it is
// loaded.
type Config struct {
	Server  ServerConfig                `koanf:"server"`
	Presets map[string]textlayout.Style `koanf:"presets"`

	// InlinePresets keeps the presets declared in the server file so reloads of
	// the preset sources can merge them again.
	InlinePresets map[string]textlayout.Style `koanf:"-"`
	// PresetSources records which files contributed presets.
	PresetSources []string `koanf:"-"`
	// SkippedPresets captures duplicate or invalid presets the loader disabled.
	SkippedPresets []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the daemon knobs.
type ServerConfig struct {
	Listen     ListenConfig     `koanf:"listen"`
	Logging    LoggingConfig    `koanf:"logging"`
	Bitmaps    BitmapsConfig    `koanf:"bitmaps"`
	Queue      QueueConfig      `koanf:"queue"`
	Thumbnails ThumbnailsConfig `koanf:"thumbnails"`
	Transcoder TranscoderConfig `koanf:"transcoder"`
	Assets     AssetsConfig     `koanf:"assets"`
	Fonts      FontsConfig      `koanf:"fonts"`
	Presets    PresetsConfig    `koanf:"presets"`
	Grouping   GroupingConfig   `koanf:"grouping"`
	Templates  TemplatesConfig  `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// BitmapsConfig sizes the decoded bitmap cache.
type BitmapsConfig struct {
	BudgetMiB int `koanf:"budgetMiB"`
}

// QueueConfig bounds concurrent render and transcode jobs.
type QueueConfig struct {
	Concurrency int `koanf:"concurrency"`
}

// ThumbnailsConfig drives the thumbnail pipeline and its sweeper.
type ThumbnailsConfig struct {
	Width         int                  `koanf:"width"`
	Quality       int                  `koanf:"quality"`
	DPR           float64              `koanf:"dpr"`
	Deferral      string               `koanf:"deferral"`
	DeferDelayMs  int                  `koanf:"deferDelayMs"`
	IdleTimeoutMs int                  `koanf:"idleTimeoutMs"`
	SweepSchedule string               `koanf:"sweepSchedule"`
	Store         ThumbnailStoreConfig `koanf:"store"`
}

// ThumbnailStoreConfig selects where encoded thumbnails live.
type ThumbnailStoreConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TranscoderConfig sizes the worker pool that downscales source images.
type TranscoderConfig struct {
	Workers int `koanf:"workers"`
	MaxSide int `koanf:"maxSide"`
}

// AssetsConfig points at the directory background images are read from.
type AssetsConfig struct {
	Root string `koanf:"root"`
}

// FontsConfig selects the caption font. Without a file the built-in bitmap
// face is used.
type FontsConfig struct {
	File string `koanf:"file"`
}

// PresetsConfig announces how preset documents are sourced.
type PresetsConfig struct {
	PresetsFolder string `koanf:"presetsFolder"`
	PresetsFile   string `koanf:"presetsFile"`
}

// GroupingConfig tunes day resolution for slide grouping.
type GroupingConfig struct {
	BatchSize     int    `koanf:"batchSize"`
	DayExpression string `koanf:"dayExpression"`

	// SheetNames maps sheet ids to the display names groups are reported under.
	SheetNames map[string]string `koanf:"sheetNames"`
}

// TemplatesConfig captures the caption template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

// DefinitionSkip describes a preset the loader ignored, for example because
// two files define the same name. Health checks surface these.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Deferral strategies for background thumbnails.
const (
	DeferralTimer = "timer"
	DeferralIdle  = "idle"
)

// Validate performs light sanity checks on the loaded configuration.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	format := strings.ToLower(strings.TrimSpace(c.Server.Logging.Format))
	switch format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: server.logging.format unsupported: %s", c.Server.Logging.Format)
	}
	if c.Server.Bitmaps.BudgetMiB <= 0 {
		return fmt.Errorf("config: server.bitmaps.budgetMiB invalid: %d", c.Server.Bitmaps.BudgetMiB)
	}
	if c.Server.Queue.Concurrency <= 0 {
		return fmt.Errorf("config: server.queue.concurrency invalid: %d", c.Server.Queue.Concurrency)
	}
	if c.Server.Transcoder.Workers < 0 {
		return fmt.Errorf("config: server.transcoder.workers invalid: %d", c.Server.Transcoder.Workers)
	}
	if err := c.Server.Thumbnails.validate(); err != nil {
		return err
	}
	if c.Server.Grouping.BatchSize <= 0 {
		return fmt.Errorf("config: server.grouping.batchSize invalid: %d", c.Server.Grouping.BatchSize)
	}
	if source := strings.TrimSpace(c.Server.Grouping.DayExpression); source != "" {
		eval, err := expr.NewHybridEvaluator(nil)
		if err != nil {
			return fmt.Errorf("config: day expression environment: %w", err)
		}
		if err := eval.Check(source); err != nil {
			return fmt.Errorf("config: server.grouping.dayExpression: %w", err)
		}
	}
	return nil
}

func (t ThumbnailsConfig) validate() error {
	if t.Width <= 0 {
		return fmt.Errorf("config: server.thumbnails.width invalid: %d", t.Width)
	}
	if t.Quality < 1 || t.Quality > 100 {
		return fmt.Errorf("config: server.thumbnails.quality invalid: %d", t.Quality)
	}
	if t.DPR <= 0 {
		return fmt.Errorf("config: server.thumbnails.dpr invalid: %g", t.DPR)
	}
	switch strings.ToLower(strings.TrimSpace(t.Deferral)) {
	case "", DeferralTimer, DeferralIdle:
	default:
		return fmt.Errorf("config: server.thumbnails.deferral unsupported: %s", t.Deferral)
	}
	if schedule := strings.TrimSpace(t.SweepSchedule); schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("config: server.thumbnails.sweepSchedule: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(t.Store.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(t.Store.Redis.Address) == "" {
			return errors.New("config: server.thumbnails.store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.thumbnails.store.backend unsupported: %s", t.Store.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Bitmaps: BitmapsConfig{BudgetMiB: 300},
			Queue:   QueueConfig{Concurrency: 3},
			Thumbnails: ThumbnailsConfig{
				Width:         320,
				Quality:       85,
				DPR:           1,
				Deferral:      DeferralIdle,
				DeferDelayMs:  1,
				IdleTimeoutMs: 2000,
				Store: ThumbnailStoreConfig{
					Backend: "memory",
					Redis:   RedisConfig{KeyPrefix: "slideforge:thumb:"},
				},
			},
			Transcoder: TranscoderConfig{Workers: 2, MaxSide: 2048},
			Assets:     AssetsConfig{Root: "./assets"},
			Grouping:   GroupingConfig{BatchSize: 5},
			Templates:  TemplatesConfig{TemplatesFolder: "./templates"},
		},
	}
}
