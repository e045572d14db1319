package watchpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/serial"
)

// Mkdir applies a remote mkdir operation, honoring mode/uid/gid/mtime from
// state.
func (wp *WatchPoint) Mkdir(relPath fsstate.Path, state *fsstate.FileState) error {
	full := filepath.Join(wp.cfg.Dir, filepath.FromSlash(relPath))
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("watchpoint: mkdir cleanup %s: %w", full, err)
	}
	if err := os.Mkdir(full, os.FileMode(state.Mode&0777)); err != nil {
		return fmt.Errorf("watchpoint: mkdir %s: %w", full, err)
	}
	return wp.ChangeAccess(relPath, state)
}

// Remove applies a remote delete: unlink for files/symlinks, unlink+rmtree
// for directories.
func (wp *WatchPoint) Remove(relPath fsstate.Path, isDir bool) error {
	full := filepath.Join(wp.cfg.Dir, filepath.FromSlash(relPath))
	var err error
	if isDir {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("watchpoint: remove %s: %w", full, err)
	}
	return nil
}

// ChangeAccess applies mode/uid/gid/mtime from state to the path on disk.
func (wp *WatchPoint) ChangeAccess(relPath fsstate.Path, state *fsstate.FileState) error {
	full := filepath.Join(wp.cfg.Dir, filepath.FromSlash(relPath))

	if err := os.Chmod(full, os.FileMode(state.Mode&07777)); err != nil {
		return fmt.Errorf("watchpoint: chmod %s: %w", full, err)
	}
	if err := os.Chown(full, int(state.UID), int(state.GID)); err != nil {
		// Non-root processes cannot chown; this is logged by the caller.
		return fmt.Errorf("watchpoint: chown %s: %w", full, err)
	}
	mtime := time.Unix(state.Mtime, 0)
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		return fmt.Errorf("watchpoint: chtimes %s: %w", full, err)
	}
	return nil
}

// CreateStateFile serializes the StateDB to a file under the watchpoint's
// temp dir (name includes pid and id), or to the persistent
// "last-sync-state" file when toPersistent is true. Returns the written
// file's path and size.
func (wp *WatchPoint) CreateStateFile(id string, toPersistent bool) (string, int64, error) {
	var path string
	if toPersistent {
		path = filepath.Join(wp.stateDir, "last-sync-state")
	} else {
		path = filepath.Join(wp.tmpDir, fmt.Sprintf("state-%d-%s", os.Getpid(), id))
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("watchpoint: create state file %s: %w", path, err)
	}
	defer f.Close()

	paths, states := wp.db.Snapshot()
	if err := serial.WriteAll(f, paths, states); err != nil {
		return "", 0, fmt.Errorf("watchpoint: write state file %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("watchpoint: stat state file %s: %w", path, err)
	}
	return path, fi.Size(), nil
}

// LoadLastSyncSnapshot reads the persisted last-sync-state file, if any.
// A missing file is not an error: it returns an empty snapshot, matching
// "no prior full sync has ever completed."
func (wp *WatchPoint) LoadLastSyncSnapshot() (paths []fsstate.Path, states []*fsstate.FileState, err error) {
	path := filepath.Join(wp.stateDir, "last-sync-state")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("watchpoint: open last-sync-state: %w", err)
	}
	defer f.Close()
	return serial.ReadAll(f)
}
