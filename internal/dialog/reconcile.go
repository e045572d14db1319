package dialog

import (
	"bytes"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/modlog"
)

// snapshot is an in-memory decoded (paths, states) pair, as produced by
// serial.ReadAll, indexed for the three-way merge below.
type snapshot struct {
	paths  []fsstate.Path
	states map[fsstate.Path]*fsstate.FileState
}

func newSnapshot(paths []fsstate.Path, states []*fsstate.FileState) *snapshot {
	m := make(map[fsstate.Path]*fsstate.FileState, len(paths))
	for i, p := range paths {
		m[p] = states[i]
	}
	return &snapshot{paths: paths, states: m}
}

func (s *snapshot) get(p fsstate.Path) (*fsstate.FileState, bool) {
	st, ok := s.states[p]
	return st, ok
}

// Reconcile performs the three-way reconciliation of spec §4.8.2 between
// the client's current snapshot, the server's current snapshot, and the
// last successful sync's snapshot, producing two ModLogs: one to send to
// the server (FullSyncLog), one to fold into the client's own write-log.
//
// backupFn is invoked for conflicting client-side files that must be
// preserved before the server's version wins; it mirrors
// fsstate.Backup(fullPath, state).
func Reconcile(client, server, lastSync *snapshot, backupFn func(path fsstate.Path, state *fsstate.FileState) error) (toServer, toClient *modlog.ModLog) {
	toServer = modlog.New()
	toClient = modlog.New()

	allKeys := unionKeys(client, server, lastSync)

	for _, key := range allKeys {
		cState, cOK := client.get(key)
		sState, sOK := server.get(key)
		lState, lOK := lastSync.get(key)

		switch {
		case !cOK && !sOK:
			continue

		case lOK && !cOK && !sOK:
			continue // mutually observed deletion, nothing to do

		case cOK && !sOK:
			if lOK {
				toClient.Insert(key, deletionOf(cState))
			} else {
				toServer.Insert(key, cState)
			}

		case !cOK && sOK:
			if lOK {
				toServer.Insert(key, deletionOf(sState))
			} else {
				toClient.Insert(key, sState)
			}

		case cOK && sOK:
			reconcileBoth(key, cState, sState, lState, lOK, toServer, toClient, backupFn)
		}
	}

	return toServer, toClient
}

func unionKeys(snaps ...*snapshot) []fsstate.Path {
	seen := make(map[fsstate.Path]struct{})
	var keys []fsstate.Path
	for _, s := range snaps {
		for _, p := range s.paths {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				keys = append(keys, p)
			}
		}
	}
	return keys
}

func deletionOf(state *fsstate.FileState) *fsstate.FileState {
	clone := state.Clone()
	if clone.IsDir() {
		clone.Action = fsstate.ActionRmdired
	} else {
		clone.Action = fsstate.ActionRemoved
	}
	return clone
}

func reconcileBoth(key fsstate.Path, c, s, l *fsstate.FileState, lOK bool, toServer, toClient *modlog.ModLog, backupFn func(fsstate.Path, *fsstate.FileState) error) {
	if c.IsDir() && s.IsDir() {
		reconcileAccess(key, c, s, toServer, toClient, backupFn)
		return
	}

	cChanged := !lOK || c.Mtime != l.Mtime
	sChanged := !lOK || s.Mtime != l.Mtime

	switch {
	case cChanged && sChanged && c.Mtime != s.Mtime:
		contentDiffers := !bytes.Equal(c.MD4[:], s.MD4[:])
		isSymlink := c.IsSymlink() || s.IsSymlink()
		if contentDiffers {
			backupFn(key, c)
			toServer.Insert(key, s)
		} else if !isSymlink && accessDiffers(c, s) {
			toServer.Insert(key, s)
		}

	case cChanged && !sChanged:
		emitWinner(key, c, s, toServer, backupFn)

	case sChanged && !cChanged:
		emitWinner(key, s, c, toClient, backupFn)

	default:
		reconcileAccess(key, c, s, toServer, toClient, backupFn)
	}
}

// emitWinner directs winner's state toward dst, backing up loser's
// content first if they materially differ and neither is a symlink.
func emitWinner(key fsstate.Path, winner, loser *fsstate.FileState, dst *modlog.ModLog, backupFn func(fsstate.Path, *fsstate.FileState) error) {
	isSymlink := winner.IsSymlink() || loser.IsSymlink()
	if !bytes.Equal(winner.MD4[:], loser.MD4[:]) {
		if !isSymlink {
			backupFn(key, loser)
		}
		dst.Insert(key, winner)
		return
	}
	if !isSymlink && accessDiffers(winner, loser) {
		dst.Insert(key, winner)
	}
}

func accessDiffers(a, b *fsstate.FileState) bool {
	return a.Mode != b.Mode || a.UID != b.UID || a.GID != b.GID
}

// reconcileAccess handles the access-only comparison for directories and
// for content-identical files: the side with the later ctime wins. It
// then separately re-checks content (per spec §4.8.2's final "Access
// check" bullet): even when mtimes agree, a differing md4 means the
// client's copy is stale and must be backed up and overwritten with the
// server's state.
func reconcileAccess(key fsstate.Path, c, s *fsstate.FileState, toServer, toClient *modlog.ModLog, backupFn func(fsstate.Path, *fsstate.FileState) error) {
	if accessDiffers(c, s) {
		if c.Ctime >= s.Ctime {
			toServer.Insert(key, c)
		} else {
			toClient.Insert(key, s)
		}
	}

	if !bytes.Equal(s.MD4[:], c.MD4[:]) {
		backupFn(key, c)
		toServer.Insert(key, s)
	}
}
