// Package session implements ConnectedWatchPoint, the per-(Watchpoint,
// Connection) protocol state machine described in spec §4.6: it owns the
// alternating send/write ModLogs, drives the dialog pushdown stack, and
// bridges watchpoint-side change notifications to wire-side frames.
package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fexd/fexd/internal/dialog"
	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/idmap"
	"github.com/fexd/fexd/internal/modlog"
	"github.com/fexd/fexd/internal/watchpoint"
	"github.com/fexd/fexd/internal/wire"
)

// requireSyncDelay is the 1-second debounce timer armed by RequireSync,
// per spec §4.6.
const requireSyncDelay = 1 * time.Second

// ConnectedWatchPoint is the protocol state for one (WatchPoint,
// Connection) pair: it implements watchpoint.Session (to receive local
// change fan-out) and wire.FrameHandler (to receive wire frames), and
// satisfies dialog.Host so dialogs can drive it.
type ConnectedWatchPoint struct {
	id         string
	wp         *watchpoint.WatchPoint
	conn       *wire.Connection
	wpID       uint8
	translator *idmap.Translator
	tmpDir     string

	mu          sync.Mutex
	writeLog    *modlog.ModLog
	sendLog     *modlog.ModLog
	stack       *dialog.Stack
	pendingSync bool
	syncTimer   *time.Timer
	asClient    bool
}

// New creates a server-side (or generic) ConnectedWatchPoint. Use
// NewClient for the client-side specialization.
func New(id string, wp *watchpoint.WatchPoint, conn *wire.Connection, wpID uint8, tr *idmap.Translator, tmpDir string) *ConnectedWatchPoint {
	return &ConnectedWatchPoint{
		id:         id,
		wp:         wp,
		conn:       conn,
		wpID:       wpID,
		translator: tr,
		tmpDir:     tmpDir,
		writeLog:   modlog.New(),
		sendLog:    modlog.New(),
		stack:      dialog.NewStack(),
	}
}

func (s *ConnectedWatchPoint) ID() string                       { return s.id }
func (s *ConnectedWatchPoint) WatchPoint() *watchpoint.WatchPoint { return s.wp }
func (s *ConnectedWatchPoint) Translator() *idmap.Translator      { return s.translator }
func (s *ConnectedWatchPoint) IsClient() bool                     { return s.asClient }
func (s *ConnectedWatchPoint) SessionID() string                  { return s.id }
func (s *ConnectedWatchPoint) WriteLog() *modlog.ModLog           { return s.writeLog }
func (s *ConnectedWatchPoint) SendLog() *modlog.ModLog            { return s.sendLog }

// Send wraps Connection.Send with this session's wp id.
func (s *ConnectedWatchPoint) Send(msgType wire.MessageType, payload []byte) error {
	return s.conn.Send(msgType, s.wpID, payload)
}

// Push adds a dialog to the top of this session's stack and runs it
// immediately if it needs to send before any frame arrives, popping it
// right back off (and notifying what's now exposed) if Run reports the
// dialog already finished.
func (s *ConnectedWatchPoint) Push(d dialog.Dialog) {
	s.stack.Push(d)
	r, ok := d.(dialog.Runner)
	if !ok {
		return
	}
	done, err := r.Run(s)
	if err != nil {
		slog.Warn("session: dialog Run failed", "session", s.id, "dialog", d.Name(), "error", err)
		return
	}
	if done {
		if err := s.stack.PopTop(s); err != nil {
			slog.Warn("session: pop after immediate Run failed", "session", s.id, "dialog", d.Name(), "error", err)
		}
	}
}

// WriteBytesPending satisfies wire.FrameHandler; a session has pending
// writes whenever it has an active dialog that might be waiting on
// wavail (no dialog checks pending bytes itself, so we report "maybe"
// whenever the stack is non-empty).
func (s *ConnectedWatchPoint) WriteBytesPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stack.Empty()
}

// OnChange implements watchpoint.Session: a local filesystem change for
// this session's watchpoint. Lock-id is empty here; the watcher-level
// lock resolution already filtered out writes this session itself made.
func (s *ConnectedWatchPoint) OnChange(path fsstate.Path, state *fsstate.FileState) {
	s.AddToLog(path, state, "", true)
}

// OnFileLock implements watchpoint.Session.
func (s *ConnectedWatchPoint) OnFileLock(path string, lockType watchpoint.LockType, heldByUs bool) {
	kind := wire.LockRead
	if lockType == watchpoint.LockWrite {
		kind = wire.LockWrite
	}
	msgType := wire.MsgCreateReadLock
	if kind == wire.LockWrite {
		msgType = wire.MsgCreateWriteLock
	}
	if !heldByUs {
		msgType = wire.MsgReleaseLock
	}
	if err := s.Send(msgType, []byte(path)); err != nil {
		slog.Warn("session: failed to relay file lock notification", "session", s.id, "error", err)
	}
}

// OnPeerLock implements the Connection-level sibling-session lock
// notification (internal/wire's notifyOthersOfLock): another watchpoint
// multiplexed over the same connection just had a remote peer take or
// release an advisory lock. fexd's reconciliation already serializes
// conflicting writes through the dialog exchange itself, so this is
// informational only.
func (s *ConnectedWatchPoint) OnPeerLock(path string, kind wire.LockKind, heldByUs bool) {
	slog.Debug("session: sibling watchpoint lock event", "session", s.id, "path", path, "kind", kind, "held", heldByUs)
}

// AddToLog implements spec §4.6's add_to_log: writes whose lockID is
// this session's own id are ignored (they originated from us), merged
// into the write-log, and optionally arm the sync debounce.
func (s *ConnectedWatchPoint) AddToLog(path fsstate.Path, state *fsstate.FileState, lockID string, doSync bool) {
	if lockID != "" && lockID == s.id {
		return
	}
	s.writeLog.Insert(path, state)
	if doSync {
		s.RequireSync()
	}
}

// AcquireSoftLock implements dialog.Host: takes the connection-scoped
// advisory flock on path's absolute location, backing spec §4.8.5 step
// 1's per-path soft lock.
func (s *ConnectedWatchPoint) AcquireSoftLock(path fsstate.Path) bool {
	full := filepath.Join(s.wp.Dir(), filepath.FromSlash(string(path)))
	if err := s.conn.LockPath(full, wire.LockWrite); err != nil {
		slog.Debug("session: soft lock unavailable", "session", s.id, "path", path, "error", err)
		return false
	}
	return true
}

// ReleaseSoftLock releases a lock taken by AcquireSoftLock.
func (s *ConnectedWatchPoint) ReleaseSoftLock(path fsstate.Path) {
	full := filepath.Join(s.wp.Dir(), filepath.FromSlash(string(path)))
	s.conn.UnlockPath(full)
}

// FindInLog implements find_in_log: send-log first, then write-log.
func (s *ConnectedWatchPoint) FindInLog(path fsstate.Path) (*fsstate.FileState, bool) {
	if st, ok := s.sendLog.Get(path); ok {
		return st, true
	}
	return s.writeLog.Get(path)
}

// RequireSync arms a 1-second debounce; on fire, if a dialog is active,
// defer via pending_sync, else start the sync immediately.
func (s *ConnectedWatchPoint) RequireSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncTimer != nil {
		s.syncTimer.Stop()
	}
	s.syncTimer = time.AfterFunc(requireSyncDelay, func() {
		s.mu.Lock()
		active := !s.stack.Empty()
		if active {
			s.pendingSync = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.StartSync()
	})
}

// StartSync implements startSync: swap write-log into send-log, push a
// SyncSend dialog, clear pending_sync.
func (s *ConnectedWatchPoint) StartSync() {
	s.mu.Lock()
	s.sendLog, s.writeLog = s.writeLog, modlog.New()
	s.pendingSync = false
	s.mu.Unlock()

	sl := dialog.NewSyncSend(s.sendLog)
	s.Push(sl)
}

// UndoSync implements undoSync: fold the send-log back into the
// write-log and re-arm.
func (s *ConnectedWatchPoint) UndoSync() {
	s.mu.Lock()
	s.writeLog.MergeFrom(s.sendLog)
	s.sendLog.Clear()
	s.mu.Unlock()
	s.RequireSync()
}

// HandleFrame implements wire.FrameHandler: the entry point for every
// frame the Connection routes to this session's wp id.
func (s *ConnectedWatchPoint) HandleFrame(f *wire.Frame) {
	if err := s.incomingMessage(f); err != nil {
		slog.Error("session: incoming message error", "session", s.id, "type", f.Type, "error", err)
	}
}

// incomingMessage implements spec §4.6's dispatch: with an empty stack,
// open a top-level dialog by message type; with a non-empty stack,
// forward to the top. After dispatch, if the stack emptied and
// pending_sync is set, start the deferred sync.
func (s *ConnectedWatchPoint) incomingMessage(f *wire.Frame) error {
	s.mu.Lock()
	empty := s.stack.Empty()
	s.mu.Unlock()

	if empty {
		if err := s.openTopLevel(f); err != nil {
			return err
		}
	} else {
		if err := s.stack.Step(s, f); err != nil {
			return err
		}
	}

	s.mu.Lock()
	nowEmpty := s.stack.Empty()
	pending := s.pendingSync
	s.mu.Unlock()

	if nowEmpty && pending {
		s.StartSync()
	}
	return nil
}

func (s *ConnectedWatchPoint) openTopLevel(f *wire.Frame) error {
	switch f.Type {
	case wire.MsgFullSyncStart:
		fs := dialog.NewFullSyncServer(s.tmpDir)
		s.Push(fs)
		return s.stack.Step(s, f)
	case wire.MsgSyncStart:
		sr := dialog.NewSyncReceive()
		s.Push(sr)
		return s.stack.Step(s, f)
	case wire.MsgAccept:
		s.Push(dialog.NewFullSyncClient(s.tmpDir))
		return nil
	case wire.MsgReject:
		slog.Info("session: peer rejected top-level open", "session", s.id)
		return nil
	}
	return fmt.Errorf("session: unexpected top-level frame %s on empty stack", f.Type)
}

// Wavail forwards the connection's write-available tick to the dialog
// stack.
func (s *ConnectedWatchPoint) Wavail() error {
	return s.stack.Wavail(s)
}

// Close stops this session's sync timer. It does not pop the dialog
// stack: dialogs still on it are left as they are.
func (s *ConnectedWatchPoint) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncTimer != nil {
		s.syncTimer.Stop()
	}
}
