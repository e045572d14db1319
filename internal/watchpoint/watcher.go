package watchpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rescanDebounce coalesces a burst of fsnotify events for the same
// directory into a single Rescan, the watcher-side analog of the
// dialog layer's 1-second sync debounce.
const rescanDebounce = 250 * time.Millisecond

// Watcher drives a WatchPoint's StateDB rescans from fsnotify events,
// recursively tracking newly created subdirectories and dropping watches
// under removed ones.
type Watcher struct {
	wp *WatchPoint
	fw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates and seeds an fsnotify watcher covering wp's entire
// tree.
func NewWatcher(wp *WatchPoint) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watchpoint: create fsnotify watcher: %w", err)
	}
	w := &Watcher{wp: wp, fw: fw, pending: make(map[string]*time.Timer)}
	if err := w.addRecursive(wp.Dir()); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run drains fsnotify events until ctx is done, debouncing rescans per
// changed directory.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return errors.New("watchpoint: fsnotify events channel closed")
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return errors.New("watchpoint: fsnotify errors channel closed")
			}
			slog.Warn("watchpoint: fsnotify error", "dir", w.wp.Dir(), "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) {
		return
	}
	if strings.Contains(ev.Name, sentinelTmpSubstring) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				slog.Warn("watchpoint: failed to add recursive watch", "dir", ev.Name, "error", err)
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.fw.Remove(ev.Name)
	}

	w.scheduleRescan(ctx, filepath.Dir(ev.Name))
}

// scheduleRescan debounces repeated events for the same directory into a
// single StateDB.Rescan call.
func (w *Watcher) scheduleRescan(ctx context.Context, absDir string) {
	rel, err := filepath.Rel(w.wp.Dir(), absDir)
	if err != nil {
		return
	}
	if rel == "." {
		rel = ""
	}
	rel = filepath.ToSlash(rel)

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[rel]; ok {
		t.Stop()
	}
	w.pending[rel] = time.AfterFunc(rescanDebounce, func() {
		w.mu.Lock()
		delete(w.pending, rel)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.wp.Rescan(rel); err != nil {
			slog.Warn("watchpoint: rescan failed", "dir", rel, "error", err)
		}
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("watchpoint: walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if strings.Contains(path, sentinelTmpSubstring) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("watchpoint: fsnotify add %s: %w", path, err)
		}
		return nil
	})
}
