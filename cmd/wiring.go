package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/slideforge/internal/config"
	"github.com/l0p7/slideforge/internal/expr"
	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/blobstore"
	"github.com/l0p7/slideforge/internal/runtime/compositor"
	"github.com/l0p7/slideforge/internal/runtime/grouping"
	"github.com/l0p7/slideforge/internal/runtime/taskqueue"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
	"github.com/l0p7/slideforge/internal/runtime/thumbnail"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
	"github.com/l0p7/slideforge/internal/templates"
)

func buildCompositor(logger *slog.Logger, cfg config.Config, bitmaps *bitmapcache.Cache[*bitmapcache.Bitmap], workers *transcoder.Client) (*compositor.Compositor, error) {
	assets, err := templates.NewSandbox(cfg.Server.Assets.Root)
	if err != nil {
		return nil, fmt.Errorf("assets sandbox: %w", err)
	}

	var captionSandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			captionSandbox = sandbox
		}
	}

	var fonts *textlayout.Fonts
	if path := strings.TrimSpace(cfg.Server.Fonts.File); path != "" {
		fonts, err = textlayout.OpenFonts(path)
		if err != nil {
			logger.Warn("caption font unavailable, using built-in face", slog.String("font", path), slog.Any("error", err))
			fonts = nil
		}
	}

	comp, err := compositor.New(compositor.Options{
		Cache:      bitmaps,
		Assets:     assets,
		Transcoder: workers,
		Presets:    compositor.NewPresets(cfg.Presets),
		Captions:   templates.NewRenderer(captionSandbox),
		Fonts:      fonts,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build compositor: %w", err)
	}
	return comp, nil
}

func buildBlobStore(logger *slog.Logger, cfg config.ThumbnailStoreConfig) blobstore.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory thumbnail store")
		}
		return blobstore.NewMemory()
	case "redis":
		redisStore, err := blobstore.NewRedis(blobstore.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: blobstore.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis thumbnail store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory thumbnail store")
			}
			return blobstore.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis thumbnail store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported thumbnail store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return blobstore.NewMemory()
	}
}

func buildDeferral(cfg config.ThumbnailsConfig, queue *taskqueue.Queue) thumbnail.Deferral {
	if strings.EqualFold(strings.TrimSpace(cfg.Deferral), config.DeferralTimer) || queue == nil {
		return thumbnail.TimerDeferral{Delay: time.Duration(cfg.DeferDelayMs) * time.Millisecond}
	}
	return thumbnail.IdleDeferral{
		Idle:    queue.Idle,
		Timeout: time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
	}
}

func buildResolver(logger *slog.Logger, cfg config.GroupingConfig) (*grouping.Resolver, error) {
	opts := []grouping.ResolverOption{grouping.WithBatchSize(cfg.BatchSize)}
	if source := strings.TrimSpace(cfg.DayExpression); source != "" {
		eval, err := expr.NewHybridEvaluator(nil)
		if err != nil {
			return nil, fmt.Errorf("day expression environment: %w", err)
		}
		er, err := grouping.NewExpressionResolver(eval, source, logger)
		if err != nil {
			return nil, fmt.Errorf("day expression: %w", err)
		}
		opts = append(opts, grouping.WithExpression(er))
	}
	return grouping.NewResolver(opts...), nil
}
