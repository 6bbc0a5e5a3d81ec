// Package watcher observes the suite directory for test file changes and
// reports the affected package directories, debounced, so the suite can be
// recollected while it is being edited.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches the burst of events an editor save produces into a
// single change notification per directory.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a directory tree for changes to Go test files.
type Watcher struct {
	root     string
	debounce time.Duration
	log      *slog.Logger

	fs      *fsnotify.Watcher
	changes chan string
}

// New creates a watcher over root. Pass 0 for the default debounce.
func New(root string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		log:      log,
		fs:       fsw,
		changes:  make(chan string, 16),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Changes returns the channel of changed package directories, as
// slash-separated paths relative to the watched root ("." for the root
// itself). Closed when the watcher stops.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Run pumps filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	defer close(w.changes)

	pending := map[string]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, pending)
			if len(pending) > 0 {
				if timer == nil {
					timer = time.NewTimer(w.debounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.debounce)
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)

		case <-timerC:
			for dir := range pending {
				select {
				case w.changes <- dir:
				case <-ctx.Done():
					return nil
				}
			}
			pending = map[string]struct{}{}
			timer = nil
			timerC = nil
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, pending map[string]struct{}) {
	// New directories must be watched before anything inside them changes.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skippedDir(filepath.Base(event.Name)) {
				if err := w.addRecursive(event.Name); err != nil {
					w.log.Warn("cannot watch new directory", "dir", event.Name, "error", err)
				}
			}
			return
		}
	}

	if !isTestFile(event.Name) {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	rel, err := filepath.Rel(w.root, filepath.Dir(event.Name))
	if err != nil {
		w.log.Warn("event outside watched root", "path", event.Name)
		return
	}
	dir := filepath.ToSlash(rel)
	w.log.Debug("test file changed", "file", event.Name, "package", dir)
	pending[dir] = struct{}{}
}

// addRecursive watches dir and every directory below it, skipping the same
// directories collection skips.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skippedDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func skippedDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata"
}

func isTestFile(path string) bool {
	return strings.HasSuffix(path, "_test.go")
}
