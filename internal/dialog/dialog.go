// Package dialog implements the pushdown stack of protocol state machines
// that service one session's logical exchanges: full sync, incremental
// sync, rsync sub-transfers, symlink resolution, and fixed sequences of
// the above. Per spec §9's design note, dialogs are a tagged variant
// rather than an inheritance hierarchy: each concrete type implements the
// same small Dialog interface and carries its own local state; "end
// dialog" is a return value, never an upcall.
package dialog

import (
	"fmt"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/idmap"
	"github.com/fexd/fexd/internal/modlog"
	"github.com/fexd/fexd/internal/watchpoint"
	"github.com/fexd/fexd/internal/wire"
)

// Host is the subset of ConnectedWatchPoint a dialog needs. Defined here,
// rather than imported from internal/session, so dialog never imports
// session (session imports dialog to drive the stack).
type Host interface {
	Send(msgType wire.MessageType, payload []byte) error
	WatchPoint() *watchpoint.WatchPoint
	Translator() *idmap.Translator
	IsClient() bool
	SessionID() string

	AddToLog(path fsstate.Path, state *fsstate.FileState, lockID string, doSync bool)
	FindInLog(path fsstate.Path) (*fsstate.FileState, bool)
	RequireSync()
	StartSync()
	UndoSync()

	WriteLog() *modlog.ModLog
	SendLog() *modlog.ModLog

	// AcquireSoftLock and ReleaseSoftLock implement spec §4.8.5 step 1's
	// per-path soft lock, backed by the connection's advisory flock
	// table (internal/wire's lock.go) so two sessions applying a sync
	// concurrently over the same connection can't race on one path.
	AcquireSoftLock(path fsstate.Path) bool
	ReleaseSoftLock(path fsstate.Path)

	Push(d Dialog)
}

// Dialog is one finite state machine servicing a logical protocol
// exchange. Step consumes the next frame addressed to this session while
// this dialog is on top of the stack; a true `done` return pops it.
// OnWavail is the resume signal after the connection's write buffer
// drains; SendLog re-runs its drain on it, while every other dialog
// (the rsync dialogs included) embeds baseDialog's no-op.
type Dialog interface {
	Name() string
	Step(h Host, f *wire.Frame) (done bool, err error)
	OnWavail(h Host) (done bool, err error)
}

// baseDialog gives dialogs that don't suspend on wavail a no-op default.
type baseDialog struct{}

func (baseDialog) OnWavail(Host) (bool, error) { return false, nil }

// Stack is the per-session pushdown automaton. The top of the stack
// receives every incoming frame and every wavail tick; a dialog that
// itself pushes a sub-dialog is resumed (via its own Step, not a
// separate "pop-up" callback) the next time its sub-dialog pops, because
// Stack.Step re-enters the new top immediately when a pop leaves work
// for the dialog beneath it to notice on its own subsequent Step calls.
// Concretely: Stack.pop re-invokes the newly-exposed top's Step with the
// synthetic PopUpFrame.
type Stack struct {
	frames []Dialog
}

func NewStack() *Stack { return &Stack{} }

func (s *Stack) Empty() bool { return len(s.frames) == 0 }

func (s *Stack) Push(d Dialog) {
	s.frames = append(s.frames, d)
}

func (s *Stack) Top() Dialog {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// PopTop removes the current top dialog and notifies the newly exposed
// top (if any) with a synthetic pop-up frame, recursing if that dialog is
// itself immediately done. Used by session.Push when a dialog's Run
// reports it completed without needing to see any inbound frame.
func (s *Stack) PopTop(h Host) error {
	return s.pop(h)
}

// pop removes the top dialog and, if anything remains beneath it, signals
// the new top with a synthetic PopUp frame so it can advance (this is how
// "stacked" and opener dialogs learn their sub-dialog finished).
func (s *Stack) pop(h Host) error {
	if len(s.frames) == 0 {
		return nil
	}
	s.frames = s.frames[:len(s.frames)-1]
	if len(s.frames) == 0 {
		return nil
	}
	done, err := s.frames[len(s.frames)-1].Step(h, PopUpFrame)
	if err != nil {
		return err
	}
	if done {
		return s.pop(h)
	}
	return nil
}

// PopUpFrame is a synthetic, never-wire frame used to notify a dialog
// that the sub-dialog it pushed has just completed.
var PopUpFrame = &wire.Frame{Type: 0, WPID: 0, Data: nil}

func isPopUp(f *wire.Frame) bool { return f == PopUpFrame }

// Step routes one incoming frame to the top dialog, popping (and
// notifying the newly exposed top, recursively) for every dialog that
// reports done.
func (s *Stack) Step(h Host, f *wire.Frame) error {
	top := s.Top()
	if top == nil {
		return fmt.Errorf("dialog: Step called on empty stack")
	}
	done, err := top.Step(h, f)
	if err != nil {
		return err
	}
	if done {
		return s.pop(h)
	}
	return nil
}

// Wavail notifies the top dialog that the connection's write buffer has
// drained; only SendLog acts on it, the other dialogs ignore it.
func (s *Stack) Wavail(h Host) error {
	top := s.Top()
	if top == nil {
		return nil
	}
	done, err := top.OnWavail(h)
	if err != nil {
		return err
	}
	if done {
		return s.pop(h)
	}
	return nil
}
