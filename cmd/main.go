package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/slideforge/internal/config"
	"github.com/l0p7/slideforge/internal/logging"
	"github.com/l0p7/slideforge/internal/metrics"
	"github.com/l0p7/slideforge/internal/runtime"
	"github.com/l0p7/slideforge/internal/runtime/bitmapcache"
	"github.com/l0p7/slideforge/internal/runtime/taskqueue"
	"github.com/l0p7/slideforge/internal/runtime/thumbnail"
	"github.com/l0p7/slideforge/internal/runtime/transcoder"
	"github.com/l0p7/slideforge/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "SLIDEFORGE", "environment variable prefix")
		dotenv     = flag.String("dotenv", ".env", "optional KEY=value file loaded before environment overrides")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile, *dotenv); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("slideforge: %v", err)
		os.Exit(1)
	}
}

type presetsWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchPresets(context.Context, config.Config, func(config.PresetBundle), func(error)) (presetsWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

// fileLoader adapts config.Loader to configLoader.
type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchPresets(ctx context.Context, cfg config.Config, onChange func(config.PresetBundle), onError func(error)) (presetsWatcher, error) {
	return l.Loader.WatchPresets(ctx, cfg, onChange, onError)
}

var newConfigLoader = func(envPrefix, configFile, dotenv string) configLoader {
	var files []string
	if configFile != "" {
		files = append(files, configFile)
	}
	return fileLoader{config.NewLoader(envPrefix, files...).WithDotEnv(dotenv)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

func run(ctx context.Context, envPrefix, configFile, dotenv string) error {
	loader := newConfigLoader(envPrefix, configFile, dotenv)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	queue := taskqueue.New(cfg.Server.Queue.Concurrency,
		taskqueue.WithName("render"),
		taskqueue.WithLogger(logger),
		taskqueue.WithMetrics(metricsRecorder),
	)
	defer queue.Close()

	bitmaps := bitmapcache.New[*bitmapcache.Bitmap](bitmapcache.Options{
		BudgetBytes: int64(cfg.Server.Bitmaps.BudgetMiB) << 20,
		Logger:      logger,
		Metrics:     metricsRecorder,
	})
	defer bitmaps.Close()

	transcodeCtx, stopTranscoder := context.WithCancel(ctx)
	defer stopTranscoder()
	var workers *transcoder.Client
	if cfg.Server.Transcoder.Workers > 0 {
		workers = transcoder.Start(transcodeCtx, cfg.Server.Transcoder.Workers, transcoder.Options{
			Quality: cfg.Server.Thumbnails.Quality,
			Logger:  logger,
			Metrics: metricsRecorder,
		})
		defer workers.Close()
	}

	comp, err := buildCompositor(logger, cfg, bitmaps, workers)
	if err != nil {
		return err
	}

	blobs := buildBlobStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Thumbnails.Store)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := blobs.Close(closeCtx); err != nil {
			logger.Error("thumbnail store shutdown failed", slog.Any("error", err))
		}
	}()

	resolver, err := buildResolver(logger, cfg.Server.Grouping)
	if err != nil {
		return err
	}

	rt, err := runtime.New(logger, runtime.Options{
		Queue:            queue,
		Bitmaps:          bitmaps,
		Blobs:            blobs,
		Compositor:       comp,
		Transcoder:       workers,
		Resolver:         resolver,
		SheetNames:       cfg.Server.Grouping.SheetNames,
		ThumbnailWidth:   cfg.Server.Thumbnails.Width,
		ThumbnailQuality: cfg.Server.Thumbnails.Quality,
		DPR:              cfg.Server.Thumbnails.DPR,
		Deferral:         buildDeferral(cfg.Server.Thumbnails, queue),
		PresetSources:    cfg.PresetSources,
		SkippedPresets:   cfg.SkippedPresets,
		Metrics:          metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	if cfg.Server.Presets.PresetsFile != "" || cfg.Server.Presets.PresetsFolder != "" {
		watcher, err := loader.WatchPresets(ctx, cfg, rt.ReloadPresets, func(err error) {
			if err != nil {
				logger.Error("presets watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("presets watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	if schedule := cfg.Server.Thumbnails.SweepSchedule; schedule != "" {
		sweeper, err := thumbnail.NewSweeper(rt.Pipeline(), schedule, rt.ThumbnailWidth(), rt.Store().List, logger)
		if err != nil {
			return fmt.Errorf("build thumbnail sweeper: %w", err)
		}
		sweeper.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			sweeper.Stop(stopCtx)
		}()
	}

	handler := server.NewRuntimeHandler(rt, metricsRecorder.Handler())
	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("server shutdown complete")
		}
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
