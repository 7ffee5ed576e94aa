package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of writes editors produce on save.
const DefaultReloadDebounce = 150 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml and the agent catalog. It watches the
// parent directories rather than the files so atomic rename-on-save editors
// keep producing events after the first save.
type Watcher struct {
	files    map[string]struct{}
	dirs     map[string]struct{}
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

// NewWatcher watches config.yaml under homeDir plus any extra paths.
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: DefaultReloadDebounce,
	}
	for _, p := range append([]string{ConfigPath(homeDir)}, extra...) {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		w.files[p] = struct{}{}
		w.dirs[filepath.Dir(p)] = struct{}{}
	}
	return w
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("config watcher skipped directory", "path", dir, "error", err)
		}
	}

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		fsw.Close()
		mu.Lock()
		for path, t := range pending {
			if t.Stop() {
				wg.Done()
			}
			delete(pending, path)
		}
		mu.Unlock()
		wg.Wait()
		close(w.events)
	}()

	emit := func(ev ReloadEvent) {
		defer wg.Done()
		mu.Lock()
		delete(pending, ev.Path)
		mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		select {
		case w.events <- ev:
		default:
			w.logger.Warn("config reload event dropped", "path", ev.Path)
		}
		w.logger.Info("config file changed", "path", ev.Path, "file", filepath.Base(ev.Path), "op", ev.Op.String())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if _, tracked := w.files[path]; !tracked {
				continue
			}
			// Remove and Chmod are ignored: a vanished catalog must not
			// unload every agent.
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			re := ReloadEvent{Path: path, Op: ev.Op}
			mu.Lock()
			if t, ok := pending[path]; ok && t.Stop() {
				wg.Done()
			}
			wg.Add(1)
			pending[path] = time.AfterFunc(w.debounce, func() { emit(re) })
			mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
