package wire

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
)

// LockKind distinguishes advisory read locks (shared) from write locks
// (exclusive), mirroring flock(2) semantics.
type LockKind uint8

const (
	LockRead LockKind = iota
	LockWrite
)

// heldLock is one entry in a connection's advisory lock table: the
// absolute path being locked, the open fd backing the flock(2) call, and
// the watchpoint id the request arrived on (needed to notify the right
// session on release).
type heldLock struct {
	path string
	f    *os.File
	wpID uint8
	kind LockKind
}

// lockTable tracks advisory locks held on behalf of the peer across this
// connection, keyed by absolute path so a ReleaseLock can find the open
// fd to unlock and close.
type lockTable struct {
	mu    sync.Mutex
	held  map[string]*heldLock
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]*heldLock)}
}

// handleLockFrame answers CreateWriteLock/CreateReadLock/ReleaseLock
// directly at the Connection layer: these are per-connection advisory
// locks over real file descriptors, not session state, per spec §4.7.
func (c *Connection) handleLockFrame(f *Frame, resolvePath func(wpID uint8, relPath string) (string, bool)) {
	relPath := string(f.Data)

	switch f.Type {
	case MsgCreateWriteLock, MsgCreateReadLock:
		fullPath, ok := resolvePath(f.WPID, relPath)
		if !ok {
			c.Send(MsgReject, f.WPID, f.Data)
			return
		}
		kind := LockRead
		if f.Type == MsgCreateWriteLock {
			kind = LockWrite
		}
		if err := c.lockFile(fullPath, f.WPID, kind); err != nil {
			slog.Warn("wire: lock failed", "path", fullPath, "error", err)
			c.Send(MsgReject, f.WPID, f.Data)
			return
		}
		c.Send(MsgAccept, f.WPID, f.Data)
		c.notifyOthersOfLock(relPath, kind, f.WPID, true)

	case MsgReleaseLock:
		fullPath, ok := resolvePath(f.WPID, relPath)
		if !ok {
			return
		}
		kind := c.unlockFile(fullPath)
		c.notifyOthersOfLock(relPath, kind, f.WPID, false)
	}
}

// LockPath takes a local, connection-scoped advisory lock on the
// absolute path, independent of the peer lock-relay frames handled by
// handleLockFrame above. It is used by the dialog layer's own soft-lock
// step (spec §4.8.5 step 1) to serialize concurrent doSync applies to
// the same path within this process.
func (c *Connection) LockPath(path string, kind LockKind) error {
	return c.lockFile(path, 0, kind)
}

// UnlockPath releases a lock taken by LockPath.
func (c *Connection) UnlockPath(path string) LockKind {
	return c.unlockFile(path)
}

// lockFile opens path and takes an advisory flock(2), recording it in the
// table so a later ReleaseLock (or connection teardown) can release it.
func (c *Connection) lockFile(path string, wpID uint8, kind LockKind) error {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()

	if _, exists := c.locks.held[path]; exists {
		return fmt.Errorf("wire: %s already locked on this connection", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		// A soft lock (internal/dialog's doSync) may be taken on a path
		// that doesn't exist locally yet, e.g. a file the peer just
		// created; a placeholder is enough to back the flock fd and is
		// replaced atomically once the real content lands.
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return fmt.Errorf("wire: open %s for lock: %w", path, err)
	}

	how := syscall.LOCK_SH
	if kind == LockWrite {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("wire: flock %s: %w", path, err)
	}

	c.locks.held[path] = &heldLock{path: path, f: f, wpID: wpID, kind: kind}
	return nil
}

// unlockFile releases and closes the fd held for path, if any, returning
// the lock kind that was held (for the release notification).
func (c *Connection) unlockFile(path string) LockKind {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()

	lock, ok := c.locks.held[path]
	if !ok {
		return LockRead
	}
	syscall.Flock(int(lock.f.Fd()), syscall.LOCK_UN)
	lock.f.Close()
	delete(c.locks.held, path)
	return lock.kind
}

// releaseAll drops every lock still held when the connection tears down.
func (c *Connection) releaseAll() {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	for path, lock := range c.locks.held {
		syscall.Flock(int(lock.f.Fd()), syscall.LOCK_UN)
		lock.f.Close()
		delete(c.locks.held, path)
	}
}

// notifyOthersOfLock fans a file-lock state change out to every attached
// session other than the one that requested it, so sibling watchers can
// defer conflicting local writes. heldByUs distinguishes a lock this
// connection itself just acquired from one it just released.
func (c *Connection) notifyOthersOfLock(relPath string, kind LockKind, requester uint8, heldByUs bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	for wpID, h := range c.sessions {
		if h == nil || uint8(wpID) == requester {
			continue
		}
		notifier, ok := h.(interface {
			OnPeerLock(path string, kind LockKind, heldByUs bool)
		})
		if ok {
			notifier.OnPeerLock(relPath, kind, heldByUs)
		}
	}
}

// procLocksHeldByOthers is a best-effort probe of /proc/locks reporting
// whether a path is locked by some process outside fexd's own advisory
// table; no code path calls it (spec Open Question: "what to do
// when /proc/locks is unavailable" — we simply report no lock, matching
// a permissive default).
func procLocksHeldByOthers(path string) bool {
	f, err := os.Open("/proc/locks")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), path) {
			return true
		}
	}
	return false
}
