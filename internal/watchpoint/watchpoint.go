// Package watchpoint owns a watched directory tree: its StateDB, its
// include/exclude policy, and the set of sessions currently attached to it.
package watchpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fexd/fexd/internal/fsstate"
)

// Session is the subset of a ConnectedWatchPoint that a WatchPoint needs in
// order to fan changes and lock notifications out, broken out as an
// interface so this package never imports internal/session (which imports
// this package for the reverse direction).
type Session interface {
	ID() string
	OnChange(path fsstate.Path, state *fsstate.FileState)
	OnFileLock(path string, lockType LockType, heldByUs bool)
}

// LockType distinguishes read and write advisory locks relayed over a
// Connection.
type LockType uint8

const (
	LockRead LockType = iota
	LockWrite
)

// LockResolver returns the session id (if any) that currently holds the
// originating write lock for path, so WatchPoint.Change can avoid echoing a
// local write back to the session that caused it.
type LockResolver func(path string) (sessionID string, ok bool)

// Config describes one configured watchpoint, mirroring spec §6.
type Config struct {
	Dir            string // absolute directory path, also the map key
	Export         string // export name; empty if not exported
	ReadOnly       bool
	Include        []string
	Exclude        []string
}

// WatchPoint owns a StateDB, policy, and the set of attached sessions for
// one configured directory tree.
type WatchPoint struct {
	cfg Config

	db *fsstate.StateDB

	stateDir string // persistent per-watchpoint state directory
	tmpDir   string // <dir>/.fextmp, recreated on startup

	validCache *lru.Cache[string, bool]

	mu           sync.RWMutex
	sessions     map[string]Session
	lockResolver LockResolver
}

// stateDirFor derives the persistent state directory for a watchpoint,
// keyed by its absolute path with "/" replaced by "_", per spec §5.
func stateDirFor(baseStateDir, wpDir string) string {
	key := strings.ReplaceAll(wpDir, "/", "_")
	return filepath.Join(baseStateDir, key)
}

// New creates a WatchPoint, recreating its .fextmp scratch directory and
// ensuring its persistent state directory exists.
func New(cfg Config, baseStateDir string) (*WatchPoint, error) {
	tmpDir := filepath.Join(cfg.Dir, ".fextmp")
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("watchpoint: clear tmp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("watchpoint: create tmp dir: %w", err)
	}

	stateDir := stateDirFor(baseStateDir, cfg.Dir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("watchpoint: create state dir: %w", err)
	}

	cache, err := lru.New[string, bool](4096)
	if err != nil {
		return nil, fmt.Errorf("watchpoint: create glob cache: %w", err)
	}

	return &WatchPoint{
		cfg:        cfg,
		db:         fsstate.New(cfg.Dir),
		stateDir:   stateDir,
		tmpDir:     tmpDir,
		validCache: cache,
		sessions:   make(map[string]Session),
	}, nil
}

func (wp *WatchPoint) Dir() string      { return wp.cfg.Dir }
func (wp *WatchPoint) Export() string   { return wp.cfg.Export }
func (wp *WatchPoint) ReadOnly() bool   { return wp.cfg.ReadOnly }
func (wp *WatchPoint) StateDB() *fsstate.StateDB { return wp.db }
func (wp *WatchPoint) TmpDir() string   { return wp.tmpDir }
func (wp *WatchPoint) StateDir() string { return wp.stateDir }

// SetLockResolver installs the callback used by Change to suppress echoing
// writes back to their originating session.
func (wp *WatchPoint) SetLockResolver(fn LockResolver) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.lockResolver = fn
}

// AttachSession registers a session to receive fan-out notifications.
func (wp *WatchPoint) AttachSession(s Session) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.sessions[s.ID()] = s
}

// DetachSession removes a session, e.g. on disconnect.
func (wp *WatchPoint) DetachSession(id string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.sessions, id)
}

// Change is invoked by the StateDB rescan for every path that changed. It
// consults the lock resolver for the path's originating session (if any)
// and fans the record out to every attached session.
func (wp *WatchPoint) Change(path fsstate.Path, state *fsstate.FileState) {
	var lockedBy string
	wp.mu.RLock()
	resolver := wp.lockResolver
	sessions := make([]Session, 0, len(wp.sessions))
	for _, s := range wp.sessions {
		sessions = append(sessions, s)
	}
	wp.mu.RUnlock()

	if resolver != nil {
		lockedBy, _ = resolver(path)
	}

	for _, s := range sessions {
		if s.ID() == lockedBy {
			continue
		}
		s.OnChange(path, state)
	}
}

// NotifyFileLock pushes a lock notification to either a single session
// (only != "") or every attached session except but.
func (wp *WatchPoint) NotifyFileLock(path string, lockType LockType, only, but string) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if only != "" {
		if s, ok := wp.sessions[only]; ok {
			s.OnFileLock(path, lockType, false)
		}
		return
	}
	for id, s := range wp.sessions {
		if id == but {
			continue
		}
		s.OnFileLock(path, lockType, false)
	}
}

// Rescan walks dir (relative to the watchpoint root) for changes.
func (wp *WatchPoint) Rescan(relDir fsstate.Path) error {
	return wp.db.Rescan(relDir, wp.IsValidPath, wp.Change)
}

// Backup delegates to the StateDB's file/directory revisioning backup.
func (wp *WatchPoint) Backup(relPath fsstate.Path) (string, error) {
	state, ok := wp.db.Get(relPath)
	if !ok {
		slog.Warn("watchpoint: backup requested for untracked path", "path", relPath)
	}
	full := filepath.Join(wp.cfg.Dir, filepath.FromSlash(relPath))
	return fsstate.Backup(full, state)
}
