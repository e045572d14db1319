package dialog

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/modlog"
	"github.com/fexd/fexd/internal/wire"
)

// SyncSend drives §4.8.4, the incremental outgoing sync.
type SyncSend struct {
	log   *modlog.ModLog
	phase syncSendPhase
}

type syncSendPhase int

const (
	ssStart syncSendPhase = iota
	ssSendingLog
	ssWaitComplete
)

func NewSyncSend(log *modlog.ModLog) *SyncSend {
	return &SyncSend{log: log}
}

func (d *SyncSend) Name() string { return "SyncSend" }

// Run sends SyncStart immediately on push; pending_sync has already been
// cleared by the host's StartSync, which pushes this dialog.
func (d *SyncSend) Run(h Host) (bool, error) {
	return false, h.Send(wire.MsgSyncStart, nil)
}

func (d *SyncSend) Step(h Host, f *wire.Frame) (bool, error) {
	switch d.phase {
	case ssStart:
		if isPopUp(f) {
			// The SyncReceive we yielded to has finished; re-arm our own
			// send for a later round instead of continuing this one.
			h.RequireSync()
			return true, nil
		}
		switch f.Type {
		case wire.MsgSyncStart:
			if !h.IsClient() {
				return false, fmt.Errorf("dialog: SyncSend received peer SyncStart as server")
			}
			// Simultaneous initiation: the client yields to the server's
			// incoming sync and lets a SyncReceive run to completion
			// first, re-arming its own send afterward.
			h.Push(NewSyncReceive())
			return false, nil
		case wire.MsgSyncStartOk:
			d.phase = ssSendingLog
			h.Push(NewSendLog(wire.MsgSyncLogBlock, d.log, h.Translator(), h.IsClient()))
			return false, nil
		}
		return false, fmt.Errorf("dialog: SyncSend(Start) unexpected frame %s", f.Type)

	case ssSendingLog:
		if !isPopUp(f) {
			return false, nil
		}
		if err := h.Send(wire.MsgSyncLogEnd, nil); err != nil {
			return false, err
		}
		d.phase = ssWaitComplete
		return false, nil

	case ssWaitComplete:
		switch f.Type {
		case wire.MsgRsyncStart:
			h.Push(NewRsyncReceiveFromFrame(f))
			return false, nil
		case wire.MsgBackup:
			if _, err := h.WatchPoint().Backup(fsstate.Path(f.Data)); err != nil {
				slog.Debug("dialog: peer-requested backup failed", "path", string(f.Data), "error", err)
			}
			return false, nil
		case wire.MsgGetLink:
			return false, d.replyLinkDest(h, f)
		case wire.MsgSyncComplete:
			d.log.Clear()
			return true, nil
		case wire.MsgReject:
			h.UndoSync()
			return true, nil
		}
		return false, fmt.Errorf("dialog: SyncSend(WaitForComplete) unexpected frame %s", f.Type)
	}
	return false, fmt.Errorf("dialog: SyncSend in unknown phase")
}

func (d *SyncSend) OnWavail(h Host) (bool, error) { return false, nil }

func (d *SyncSend) replyLinkDest(h Host, f *wire.Frame) error {
	relPath := string(f.Data)
	full := filepath.Join(h.WatchPoint().Dir(), filepath.FromSlash(relPath))
	target, err := readLink(full)
	if err != nil {
		return h.Send(wire.MsgReject, nil)
	}
	return h.Send(wire.MsgLinkDest, []byte(target))
}

// SyncReceive drives §4.8.5, including doSync's reconciliation against
// the receiving session's own pending write-log.
type SyncReceive struct {
	pending *modlog.ModLog
	phase   syncReceivePhase
}

type syncReceivePhase int

const (
	srAwaitStart syncReceivePhase = iota
	srAccumulating
	srRunningSub
)

func NewSyncReceive() *SyncReceive {
	return &SyncReceive{pending: modlog.New()}
}

func (d *SyncReceive) Name() string { return "SyncReceive" }

func (d *SyncReceive) Step(h Host, f *wire.Frame) (bool, error) {
	switch d.phase {
	case srAwaitStart:
		if f.Type != wire.MsgSyncStart {
			return false, fmt.Errorf("dialog: SyncReceive expected SyncStart, got %s", f.Type)
		}
		if err := h.Send(wire.MsgSyncStartOk, nil); err != nil {
			return false, err
		}
		d.phase = srAccumulating
		return false, nil

	case srAccumulating:
		switch f.Type {
		case wire.MsgSyncLogBlock:
			paths, states, err := decodeLogBlock(f.Data, h.Translator(), !h.IsClient())
			if err != nil {
				return false, err
			}
			for i, p := range paths {
				d.pending.Insert(p, states[i])
			}
			return false, nil
		case wire.MsgSyncLogEnd:
			return d.doSync(h)
		}
		return false, fmt.Errorf("dialog: SyncReceive(Accumulating) unexpected frame %s", f.Type)

	case srRunningSub:
		if !isPopUp(f) {
			return false, nil
		}
		if err := h.Send(wire.MsgSyncComplete, nil); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("dialog: SyncReceive in unknown phase")
}

func (d *SyncReceive) OnWavail(h Host) (bool, error) { return false, nil }

// doSync implements spec §4.8.5 steps 1-3: acquire soft locks, reconcile
// against our own pending write-log, invert for readonly rejection, and
// push one sub-dialog per surviving record.
func (d *SyncReceive) doSync(h Host) (bool, error) {
	paths := d.pending.SortedPaths()

	for _, p := range paths {
		if !tryAcquireSoftLock(h, p) {
			releaseSoftLocks(h, paths)
			return true, h.Send(wire.MsgReject, nil)
		}
	}
	defer releaseSoftLocks(h, paths)

	wp := h.WatchPoint()
	var steps []stepper

	for _, p := range paths {
		remote, _ := d.pending.Get(p)
		survives, applied := reconcileAgainstOwnLog(h, p, remote)
		if !survives {
			continue
		}

		if wp.ReadOnly() {
			inverted := invertAction(applied)
			h.AddToLog(p, inverted, "", false)
			continue
		}

		switch applied.Action {
		case fsstate.ActionRemoved:
			wp.Remove(p, false)
		case fsstate.ActionRmdired:
			wp.Remove(p, true)
		case fsstate.ActionMkdired:
			wp.Mkdir(p, applied)
		case fsstate.ActionNewAcc:
			wp.ChangeAccess(p, applied)
		case fsstate.ActionNewLink:
			steps = append(steps, NewLink(p, applied))
		case fsstate.ActionCreated, fsstate.ActionChanged:
			full := filepath.Join(wp.Dir(), filepath.FromSlash(string(p)))
			steps = append(steps, NewRsyncSend(full, p, applied))
		}
	}

	if len(steps) == 0 {
		if err := h.Send(wire.MsgSyncComplete, nil); err != nil {
			return false, err
		}
		return true, nil
	}
	d.phase = srRunningSub
	h.Push(NewStacked(steps...))
	return false, nil
}

// tryAcquireSoftLock takes the per-path soft lock through Host, backed
// by the Connection's advisory flock table (internal/wire); failure
// means another in-flight dialog on this connection already holds the
// path.
func tryAcquireSoftLock(h Host, p fsstate.Path) bool { return h.AcquireSoftLock(p) }

// releaseSoftLocks releases every soft lock this doSync call acquired.
func releaseSoftLocks(h Host, paths []fsstate.Path) {
	for _, p := range paths {
		h.ReleaseSoftLock(p)
	}
}

// reconcileAgainstOwnLog applies spec §4.8.5 step 2's self-conflict rules
// and returns whether the record survives to be applied, and the
// (possibly folded) state to apply.
func reconcileAgainstOwnLog(h Host, p fsstate.Path, remote *fsstate.FileState) (survives bool, applied *fsstate.FileState) {
	self, ok := h.FindInLog(p)
	if !ok {
		return true, remote
	}

	switch self.Action {
	case fsstate.ActionNewAcc:
		folded := remote.Clone()
		folded.Mode, folded.UID, folded.GID = self.Mode, self.UID, self.GID
		folded.Action = fsstate.ActionNewAcc
		return true, folded

	case fsstate.ActionRemoved, fsstate.ActionRmdired:
		if remote.Action != self.Action {
			h.Send(wire.MsgBackup, []byte(p))
			return false, nil
		}
		return true, remote

	case fsstate.ActionCreated, fsstate.ActionChanged:
		if remote.Action == fsstate.ActionRemoved || remote.Action == fsstate.ActionRmdired {
			if _, err := h.WatchPoint().Backup(p); err != nil {
				slog.Debug("dialog: local backup before accepting remote deletion failed", "path", p, "error", err)
			}
			return true, remote
		}
		if !bytes.Equal(remote.MD4[:], self.MD4[:]) {
			h.Send(wire.MsgBackup, []byte(p))
			return false, nil
		}
		downgraded := remote.Clone()
		downgraded.Action = fsstate.ActionNewAcc
		return true, downgraded

	case fsstate.ActionMkdired:
		if remote.Action != fsstate.ActionRmdired {
			h.Send(wire.MsgBackup, []byte(p))
			return false, nil
		}
		return true, remote
	}

	return true, remote
}

// invertAction flips an accepted-but-rejected (readonly) remote action so
// the peer learns its write didn't take: created<->removed,
// mkdired<->rmdired, newlink->removed.
func invertAction(state *fsstate.FileState) *fsstate.FileState {
	inv := state.Clone()
	switch state.Action {
	case fsstate.ActionCreated, fsstate.ActionChanged, fsstate.ActionNewLink:
		inv.Action = fsstate.ActionRemoved
	case fsstate.ActionMkdired:
		inv.Action = fsstate.ActionRmdired
	case fsstate.ActionRemoved:
		inv.Action = fsstate.ActionCreated
	case fsstate.ActionRmdired:
		inv.Action = fsstate.ActionMkdired
	}
	return inv
}
