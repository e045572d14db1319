// Package modlog implements the pending per-path change log used by
// sessions to accumulate local writes between sync cycles and to carry
// reconciliation results between peers.
package modlog

import (
	"sort"
	"sync"

	"github.com/fexd/fexd/internal/fsstate"
)

// ModLog is an ordered map path -> FileState representing pending changes.
// It is safe for concurrent use.
type ModLog struct {
	mu      sync.Mutex
	entries map[fsstate.Path]*fsstate.FileState
}

// New returns an empty ModLog.
func New() *ModLog {
	return &ModLog{entries: make(map[fsstate.Path]*fsstate.FileState)}
}

// Insert merges state into the log for path. Merge rule: a prior `created`
// is preserved over a subsequent `changed` (it stays `created`); a
// `newaccess` is subsumed by any prior non-newaccess action (the more
// significant action wins and the access bits are carried in state's
// Mode/UID/GID regardless, since state already reflects the latest stat).
func (l *ModLog) Insert(path fsstate.Path, state *fsstate.FileState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(path, state)
}

func (l *ModLog) insertLocked(path fsstate.Path, state *fsstate.FileState) {
	prior, ok := l.entries[path]
	if !ok {
		l.entries[path] = state
		return
	}

	merged := state.Clone()
	switch {
	case prior.Action == fsstate.ActionCreated && state.Action == fsstate.ActionChanged:
		merged.Action = fsstate.ActionCreated
	case state.Action == fsstate.ActionNewAcc && prior.Action != fsstate.ActionNewAcc:
		merged.Action = prior.Action
	}
	l.entries[path] = merged
}

// Get returns the stored state for path, if any.
func (l *ModLog) Get(path fsstate.Path) (*fsstate.FileState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.entries[path]
	return s, ok
}

// Delete removes a single key.
func (l *ModLog) Delete(path fsstate.Path) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, path)
}

// EraseSubtree erases path and every subsequent key for which path is a
// parent, per the rmdir-collapse invariant: once a `rmdired` record exists
// for a directory, no descendant keys remain in the log.
func (l *ModLog) EraseSubtree(path fsstate.Path) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, path)
	for k := range l.entries {
		if fsstate.IsParentOf(path, k) {
			delete(l.entries, k)
		}
	}
}

// Len returns the number of pending entries.
func (l *ModLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SortedPaths returns pending paths in lexicographic order, which
// guarantees parents precede their subtrees: consumers rely on this
// ordering for rmdir-collapse during iteration.
func (l *ModLog) SortedPaths() []fsstate.Path {
	l.mu.Lock()
	defer l.mu.Unlock()
	paths := make([]fsstate.Path, 0, len(l.entries))
	for p := range l.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clear empties the log.
func (l *ModLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[fsstate.Path]*fsstate.FileState)
}

// MergeFrom inserts every entry of other into l, applying the same merge
// rule as Insert. Used by session.undoSync to fold a send-side log back
// into the write-side log after a rejected sync.
func (l *ModLog) MergeFrom(other *ModLog) {
	other.mu.Lock()
	snapshot := make(map[fsstate.Path]*fsstate.FileState, len(other.entries))
	for k, v := range other.entries {
		snapshot[k] = v
	}
	other.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for path, state := range snapshot {
		l.insertLocked(path, state)
	}
}

// Each calls fn for every entry in sorted path order. fn must not mutate
// the ModLog.
func (l *ModLog) Each(fn func(path fsstate.Path, state *fsstate.FileState)) {
	for _, p := range l.SortedPaths() {
		s, ok := l.Get(p)
		if !ok {
			continue
		}
		fn(p, s)
	}
}
