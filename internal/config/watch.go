package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/l0p7/slideforge/internal/runtime/textlayout"
)

const reloadDebounce = 25 * time.Millisecond

// PresetsWatcher reloads the preset catalog whenever the configured presets
// file or folder changes. Stop releases the filesystem handles.
type PresetsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *PresetsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

type presetsWatch struct {
	ctx      context.Context
	fs       *fsnotify.Watcher
	cfg      PresetsConfig
	inline   map[string]textlayout.Style
	onChange func(PresetBundle)
	onError  func(error)

	target string
	dirs   map[string]struct{}
	timer  *time.Timer
	fire   <-chan time.Time
}

// WatchPresets delivers the current bundle to onChange, then again after each
// settled change to the preset sources. cfg should come from Loader.Load so the
// inline presets are merged on every reload.
func (l *Loader) WatchPresets(ctx context.Context, cfg Config, onChange func(PresetBundle), onError func(error)) (*PresetsWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch presets requires a change callback")
	}
	src := cfg.Server.Presets
	if src.PresetsFile == "" && src.PresetsFolder == "" {
		return nil, errors.New("config: no presets source configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch presets: %w", err)
	}

	w := &presetsWatch{
		ctx:      watchCtx,
		fs:       fsw,
		cfg:      src,
		inline:   clonePresetMap(cfg.InlinePresets),
		onChange: onChange,
		onError:  onError,
		dirs:     map[string]struct{}{},
	}

	bundle, err := buildPresetBundle(watchCtx, w.inline, src)
	if err != nil {
		w.closeFS()
		cancel()
		return nil, err
	}
	onChange(bundle)

	w.register()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.closeFS()
		w.loop()
	}()
	return &PresetsWatcher{cancel: cancel, done: done}, nil
}

func (w *presetsWatch) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *presetsWatch) closeFS() {
	if err := w.fs.Close(); err != nil {
		w.report(fmt.Errorf("config: watch presets close: %w", err))
	}
}

func (w *presetsWatch) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// register watches the parent directory of a presets file, so editors that
// replace the file by rename are still observed, or every directory under a
// presets folder.
func (w *presetsWatch) register() {
	if w.cfg.PresetsFile != "" {
		path := w.cfg.PresetsFile
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		} else {
			w.report(fmt.Errorf("config: resolve presets file: %w", err))
		}
		w.target = filepath.Clean(path)
		w.addDir(filepath.Dir(w.target))
		return
	}
	root, err := filepath.Abs(w.cfg.PresetsFolder)
	if err != nil {
		w.report(fmt.Errorf("config: resolve presets folder: %w", err))
		root = w.cfg.PresetsFolder
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	if err != nil {
		w.report(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

func (w *presetsWatch) schedule() {
	if w.timer == nil {
		w.timer = time.NewTimer(reloadDebounce)
	} else {
		w.timer.Reset(reloadDebounce)
	}
	w.fire = w.timer.C
}

func (w *presetsWatch) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.fire = nil
}

func (w *presetsWatch) reload() {
	bundle, err := buildPresetBundle(w.ctx, w.inline, w.cfg)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.report(err)
		}
		return
	}
	w.onChange(bundle)
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// relevant reports whether an event should trigger a reload, registering newly
// created directories along the way.
func (w *presetsWatch) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if w.target != "" {
		if name != w.target {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.report(fmt.Errorf("config: presets file %s removed", w.target))
		}
		return event.Op&relevantOps != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedPresetsFile(name) && event.Op&relevantOps != 0
}

func (w *presetsWatch) loop() {
	defer w.stopTimer()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.fire:
			w.stopTimer()
			w.reload()
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}
