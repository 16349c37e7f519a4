package lsp

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem changes under a root into the manager's cache
// invalidation. New directories are picked up as they appear; editors that
// replace files on save (rename over the original) are handled by watching
// directories rather than individual files.
type Watcher struct {
	fw   *fsnotify.Watcher
	mgr  *Manager
	root string
	done chan struct{}
}

// NewWatcher starts watching root and its subdirectories.
func NewWatcher(root string, mgr *Manager) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{fw: fw, mgr: mgr, root: root, done: make(chan struct{})}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if path != w.root && (name == ".git" || name == ".cache" || name == "node_modules" || name == "target" || name == "vendor") {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			slog.Debug("watch add failed", "dir", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
			return
		}
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	// Only files some registered server understands matter.
	if w.mgr.Detector().LanguageForFile(ev.Name) == "" {
		return
	}
	slog.Debug("file changed", "path", ev.Name, "op", ev.Op)
	w.mgr.FileChanged(ev.Name)
}

// Close stops the watcher and waits for its loop to drain.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
