package fsstate

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"golang.org/x/crypto/md4"
)

// ChangeFunc is invoked once per path whenever a rescan detects a change.
// Entries whose Action is ActionRemoved or ActionRmdired have already been
// deleted from the StateDB by the time ChangeFunc is called.
type ChangeFunc func(path Path, state *FileState)

// ValidPathFunc reports whether a candidate relative path should be
// considered by the StateDB at all (watchpoint include/exclude policy).
type ValidPathFunc func(path Path) bool

// StateDB mirrors a subtree's current metadata and detects changes between
// rescans. It is the authoritative local map for one WatchPoint.
type StateDB struct {
	mu      sync.RWMutex
	root    string // absolute path of the watched directory
	entries map[Path]*FileState
}

// New creates an empty StateDB rooted at root.
func New(root string) *StateDB {
	return &StateDB{
		root:    root,
		entries: make(map[Path]*FileState),
	}
}

// Root returns the absolute directory this StateDB mirrors.
func (db *StateDB) Root() string { return db.root }

// Get returns a copy of the stored state for path, if any.
func (db *StateDB) Get(path Path) (*FileState, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, ok := db.entries[path]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Set overwrites the stored state for path.
func (db *StateDB) Set(path Path, state *FileState) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries[path] = state
}

// Delete removes path from the map.
func (db *StateDB) Delete(path Path) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.entries, path)
}

// Len returns the number of tracked paths.
func (db *StateDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

// SortedPaths returns all tracked paths in lexicographic order.
func (db *StateDB) SortedPaths() []Path {
	db.mu.RLock()
	defer db.mu.RUnlock()
	paths := make([]Path, 0, len(db.entries))
	for p := range db.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns a defensive copy of the entire map, sorted by path.
func (db *StateDB) Snapshot() (paths []Path, states []*FileState) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	paths = make([]Path, 0, len(db.entries))
	for p := range db.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	states = make([]*FileState, len(paths))
	for i, p := range paths {
		states[i] = db.entries[p].Clone()
	}
	return paths, states
}

// LoadSnapshot replaces the map contents with the given sorted sequence
// (used when restoring a last-sync snapshot read back via internal/serial).
func (db *StateDB) LoadSnapshot(paths []Path, states []*FileState) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries = make(map[Path]*FileState, len(paths))
	for i, p := range paths {
		db.entries[p] = states[i]
	}
}

// successorsWithin returns the sorted stored paths that are inside dir,
// i.e. dir is a parent of them, starting the scan from the first key
// greater than or equal to dir+"/".
func (db *StateDB) successorsWithin(dir Path) []Path {
	all := db.SortedPaths()
	lo := dir + "/"
	idx := sort.SearchStrings(all, lo)
	var out []Path
	for _, p := range all[idx:] {
		if !IsParentOf(dir, p) {
			break
		}
		out = append(out, p)
	}
	return out
}

// Rescan enumerates the directory at relDir (relative to db.Root()),
// comparing each entry against the stored state and emitting a change
// record for every affected path. isValid filters candidate relative
// paths before they are considered at all. I/O errors on individual
// files are logged and skipped; the rescan continues.
func (db *StateDB) Rescan(relDir Path, isValid ValidPathFunc, onChange ChangeFunc) error {
	absDir := db.absPath(relDir)

	entries, err := os.ReadDir(absDir)
	if err != nil {
		// The directory itself may have been removed; let the caller's
		// successor probe (via the parent's rescan) pick that up.
		return fmt.Errorf("read dir %s: %w", absDir, err)
	}

	seenMkdired := make(map[Path]bool)

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		relPath := joinRel(relDir, name)
		if !isValid(relPath) {
			continue
		}

		wasMkdired := db.testPath(relPath, onChange)
		if entry.IsDir() {
			seenMkdired[relPath] = wasMkdired
		}
	}

	// After processing own entries, probe subdirectories that were not
	// freshly created this pass for deletions the watcher may have missed:
	// for each stored directory entry under relDir that we did NOT just
	// mkdir, probe its first stored successor key.
	for _, p := range db.successorsDirsOf(relDir) {
		if seenMkdired[p] {
			continue
		}
		db.probeFirstSuccessor(p, isValid, onChange)
	}

	return nil
}

// successorsDirsOf returns the immediate stored directory children of dir.
func (db *StateDB) successorsDirsOf(dir Path) []Path {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []Path
	for p, s := range db.entries {
		if !IsParentOf(dir, p) {
			continue
		}
		rest := p[len(dir)+1:]
		if !hasSlash(rest) && s.IsDir() {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func hasSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}

// probeFirstSuccessor re-tests the first stored key inside dir to detect a
// removal the directory watcher missed, then continues scanning successor
// keys still inside dir until a non-removal is observed (mirroring testPath's
// own successor-chasing behavior).
func (db *StateDB) probeFirstSuccessor(dir Path, isValid ValidPathFunc, onChange ChangeFunc) {
	succ := db.successorsWithin(dir)
	if len(succ) == 0 {
		return
	}
	db.testPath(succ[0], onChange)
}

// testPath compares the fresh lstat of path against the stored entry,
// updates the entry in place, and emits change(path, state) when any
// action fires. It then continues scanning successor keys still inside
// the same parent directory until a non-removal action is observed.
// Returns true if the path transitioned to ActionMkdired this call.
func (db *StateDB) testPath(path Path, onChange ChangeFunc) bool {
	abs := db.absPath(path)
	mkdired := false

	fi, statErr := os.Lstat(abs)
	existing, hadEntry := db.Get(path)

	switch {
	case statErr != nil && !hadEntry:
		// Nothing stored, nothing on disk: no-op.
		return false

	case statErr != nil && hadEntry:
		// Entry present, file absent.
		action := ActionRemoved
		if existing.IsDir() {
			action = ActionRmdired
		}
		db.Delete(path)
		onChange(path, &FileState{Action: action, Mode: existing.Mode})
		db.chaseRemovedSuccessors(path, onChange)
		return false

	case statErr == nil && !hadEntry:
		state, err := statToState(abs, fi)
		if err != nil {
			slog.Error("fsstate: stat failed", "path", path, "error", err)
			return false
		}
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			state.Action = ActionNewLink
		case fi.IsDir():
			state.Action = ActionMkdired
			mkdired = true
		case fi.Mode().IsRegular():
			state.Action = ActionCreated
			state.MD4 = computeMD4(abs)
		default:
			state.Action = ActionNone
		}
		db.Set(path, state)
		if state.Action != ActionNone {
			onChange(path, state.Clone())
		}
		return mkdired

	default: // both present: compare
		fresh, err := statToState(abs, fi)
		if err != nil {
			slog.Error("fsstate: stat failed", "path", path, "error", err)
			return false
		}

		accessChanged := fresh.Mode != existing.Mode || fresh.UID != existing.UID || fresh.GID != existing.GID
		fresh.MD4 = existing.MD4

		contentChanged := false
		if !fi.IsDir() {
			if fresh.Mtime != existing.Mtime || fresh.Size != existing.Size {
				contentChanged = true
				if fi.Mode()&os.ModeSymlink != 0 {
					fresh.Action = ActionNewLink
				} else if fi.Mode().IsRegular() {
					fresh.MD4 = computeMD4(abs)
					fresh.Action = ActionChanged
				}
			}
		}

		switch {
		case contentChanged:
			// content changes dominate when selecting the emitted action;
			// access changes are still recorded in the updated state.
		case accessChanged:
			fresh.Action = ActionNewAcc
		default:
			fresh.Action = ActionNone
		}

		db.Set(path, fresh)
		if fresh.Action != ActionNone {
			onChange(path, fresh.Clone())
		}
		return false
	}
}

// chaseRemovedSuccessors continues scanning successor keys still inside the
// same parent directory as removed until a non-removal action is observed,
// per StateDB.test_path's documented continuation behavior.
func (db *StateDB) chaseRemovedSuccessors(removedPath Path, onChange ChangeFunc) {
	parent := filepath.Dir(removedPath)
	if parent == "." {
		parent = ""
	}
	for {
		all := db.SortedPaths()
		idx := sort.SearchStrings(all, removedPath)
		if idx < len(all) && all[idx] == removedPath {
			idx++
		}
		if idx >= len(all) {
			return
		}
		next := all[idx]
		if parent != "" && !IsParentOf(parent, next) {
			return
		}
		abs := db.absPath(next)
		if _, err := os.Lstat(abs); err == nil {
			return // next key still exists: stop chasing
		}
		existing, ok := db.Get(next)
		if !ok {
			return
		}
		action := ActionRemoved
		if existing.IsDir() {
			action = ActionRmdired
		}
		db.Delete(next)
		onChange(next, &FileState{Action: action, Mode: existing.Mode})
	}
}

// ValidateMD4 forces mtime to zero when the stored content fingerprint
// differs from expected, guaranteeing the next rescan reclassifies the
// file as changed.
func (db *StateDB) ValidateMD4(path Path, expected [16]byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.entries[path]
	if !ok || s.MD4 == expected {
		return
	}
	s.Mtime = 0
}

func (db *StateDB) absPath(relPath Path) string {
	if relPath == "" {
		return db.root
	}
	return filepath.Join(db.root, filepath.FromSlash(relPath))
}

func joinRel(dir, name string) Path {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func statToState(_ string, fi os.FileInfo) (*FileState, error) {
	sys, ok := fi.Sys().(*syscall.Stat_t)
	state := &FileState{
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: fi.ModTime().Unix(),
		Size:  fi.Size(),
	}
	switch {
	case fi.IsDir():
		state.Mode |= ModeDir
	case fi.Mode()&os.ModeSymlink != 0:
		state.Mode |= ModeSymlink
	default:
		state.Mode |= ModeRegular
	}
	if ok && sys != nil {
		state.UID = sys.Uid
		state.GID = sys.Gid
		state.Ctime = sys.Ctim.Sec
	} else {
		state.Ctime = state.Mtime
	}
	return state, nil
}

func computeMD4(path string) [16]byte {
	var out [16]byte
	f, err := os.Open(path)
	if err != nil {
		slog.Error("fsstate: md4 open failed", "path", path, "error", err)
		return out
	}
	defer f.Close()

	h := md4.New()
	if _, err := io.Copy(h, f); err != nil {
		slog.Error("fsstate: md4 read failed", "path", path, "error", err)
		return out
	}
	copy(out[:], h.Sum(nil))
	return out
}
