package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(c *Config){
		"port":             func(c *Config) { c.Server.Listen.Port = -1 },
		"log format":       func(c *Config) { c.Server.Logging.Format = "xml" },
		"budget":           func(c *Config) { c.Server.Bitmaps.BudgetMiB = 0 },
		"concurrency":      func(c *Config) { c.Server.Queue.Concurrency = 0 },
		"workers":          func(c *Config) { c.Server.Transcoder.Workers = -1 },
		"width":            func(c *Config) { c.Server.Thumbnails.Width = 0 },
		"quality":          func(c *Config) { c.Server.Thumbnails.Quality = 101 },
		"dpr":              func(c *Config) { c.Server.Thumbnails.DPR = 0 },
		"deferral":         func(c *Config) { c.Server.Thumbnails.Deferral = "never" },
		"sweep schedule":   func(c *Config) { c.Server.Thumbnails.SweepSchedule = "every day" },
		"store backend":    func(c *Config) { c.Server.Thumbnails.Store.Backend = "s3" },
		"redis address":    func(c *Config) { c.Server.Thumbnails.Store.Backend = "redis" },
		"batch size":       func(c *Config) { c.Server.Grouping.BatchSize = 0 },
		"day expression":   func(c *Config) { c.Server.Grouping.DayExpression = "slide.id +" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			invalid := DefaultConfig()
			mutate(&invalid)
			require.Error(t, invalid.Validate())
		})
	}

	t.Run("accepts optional knobs", func(t *testing.T) {
		valid := DefaultConfig()
		valid.Server.Thumbnails.SweepSchedule = "@every 1m"
		valid.Server.Thumbnails.Deferral = DeferralTimer
		valid.Server.Thumbnails.Store.Backend = "redis"
		valid.Server.Thumbnails.Store.Redis.Address = "localhost:6379"
		valid.Server.Grouping.DayExpression = "meta.day"
		require.NoError(t, valid.Validate())
	})
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, 300, cfg.Server.Bitmaps.BudgetMiB)
	require.Equal(t, 320, cfg.Server.Thumbnails.Width)
	require.Equal(t, 85, cfg.Server.Thumbnails.Quality)
	require.Equal(t, "memory", cfg.Server.Thumbnails.Store.Backend)
	require.Equal(t, "./templates", cfg.Server.Templates.TemplatesFolder)
	require.Empty(t, cfg.Server.Presets.PresetsFolder)
}
