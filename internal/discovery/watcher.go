// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugkit Contributors

package discovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/plugkit/plugkit/internal/registry"
)

// debounceWindow coalesces the burst of write events editors produce
// while saving a file into a single reload.
const debounceWindow = 200 * time.Millisecond

// Watcher hot-reloads plugins when their source scripts change.
type Watcher struct {
	pluginsDir string
	reg        *registry.Registry
	watcher    *fsnotify.Watcher
	wg         sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the plugins directory.
func NewWatcher(pluginsDir string, reg *registry.Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("discovery").Hint("failed to create fs watcher").Wrap(err)
	}
	return &Watcher{
		pluginsDir: pluginsDir,
		reg:        reg,
		watcher:    fsw,
		pending:    make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the plugins directory and its immediate
// plugin subdirectories. It returns after the watch loop is running.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.pluginsDir); err != nil {
		return oops.In("discovery").With("dir", w.pluginsDir).Hint("failed to watch plugins directory").Wrap(err)
	}

	entries, err := os.ReadDir(w.pluginsDir)
	if err != nil {
		return oops.In("discovery").With("dir", w.pluginsDir).Wrap(err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.pluginsDir, entry.Name())
		if err := w.watcher.Add(dir); err != nil {
			slog.Warn("failed to watch plugin directory", "dir", dir, "error", err)
		}
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Close stops watching and waits for the loop to exit. Reloads already
// debounced may still fire.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, evt)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fs watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, evt fsnotify.Event) {
	// Watch plugin directories as they appear.
	if evt.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(evt.Name); err == nil && fi.IsDir() {
			if err := w.watcher.Add(evt.Name); err != nil {
				slog.Warn("failed to watch new plugin directory", "dir", evt.Name, "error", err)
			}
			return
		}
	}

	if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if filepath.Ext(evt.Name) != ".lua" {
		return
	}

	w.debounce(ctx, evt.Name)
}

// debounce schedules (or pushes back) the reload for a path.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reload(ctx, path)
	})
}

func (w *Watcher) reload(ctx context.Context, path string) {
	inst, ok := w.reg.FindBySource(path)
	if !ok {
		slog.Debug("changed source has no loaded plugin", "path", path)
		return
	}

	key := inst.Key()
	slog.Info("source changed; reloading plugin",
		"plugin", key.Name,
		"group", key.Group,
		"path", path)

	if err := w.reg.Reload(ctx, inst); err != nil {
		slog.Error("hot reload failed",
			"plugin", key.Name,
			"group", key.Group,
			"error", err)
	}
}
