// Package watch marks persisted files for refresh when their roots
// change on disk.
//
// The watcher is a thin fsnotify layer: writes and renames under a
// watched root set the refresh flags on the matching File row and
// invalidate its signatures, which also evicts its ignore pairs. It does
// not rescan; the next incremental scan picks the flagged files up.
package watch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dupekit/dupekit/internal/logger"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/types"
)

// Watcher follows filesystem events for a set of roots.
type Watcher struct {
	store *store.Store
	fs    *fsnotify.Watcher
}

// New creates a watcher over the given roots, recursively.
func New(st *store.Store, roots []string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{store: st, fs: fs}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			_ = fs.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Debug("watch skip", "path", types.ShortPath(path), "err", err)
			return nil
		}
		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				logger.Debug("watch add failed", "path", types.ShortPath(path), "err", err)
			}
		}
		return nil
	})
}

// Run consumes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fs.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// New directories join the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(ev.Name)
			return
		}
	}

	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
		return
	}

	f, err := w.store.FindByPath(ev.Name)
	if err != nil || f == nil {
		return
	}
	if err := w.store.InvalidateSignatures(f.ID); err != nil {
		logger.Warn("invalidate failed", "path", types.ShortPath(ev.Name), "err", err)
		return
	}
	logger.Debug("flagged for refresh", "path", types.ShortPath(ev.Name), "op", ev.Op.String())
}
