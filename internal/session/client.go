package session

import (
	"log/slog"

	"github.com/fexd/fexd/internal/idmap"
	"github.com/fexd/fexd/internal/watchpoint"
	"github.com/fexd/fexd/internal/wire"
)

// ClientWatchPoint specializes ConnectedWatchPoint for an imported
// watchpoint: Close invokes the onClosed callback supplied by its owner
// (this type re-arms no reconnect timer itself), marks pushed dialogs
// "as client" (so SyncSend
// collision-resolution yields, per §4.8.4), and translates ids across
// the wire (server-space on the wire, client-space on disk).
type ClientWatchPoint struct {
	*ConnectedWatchPoint

	onClosed func()
}

// NewClient builds a client-side session. onClosed is invoked on every
// call to Close.
func NewClient(id string, wp *watchpoint.WatchPoint, conn *wire.Connection, wpID uint8, tr *idmap.Translator, tmpDir string, onClosed func()) *ClientWatchPoint {
	base := New(id, wp, conn, wpID, tr, tmpDir)
	base.asClient = true
	return &ClientWatchPoint{ConnectedWatchPoint: base, onClosed: onClosed}
}

// Close stops the base session's timers and then invokes onClosed, if
// set; a second Close invokes it again.
func (c *ClientWatchPoint) Close() {
	c.ConnectedWatchPoint.Close()
	if c.onClosed != nil {
		slog.Debug("session: client watchpoint closed, re-arming reconnect", "session", c.ID())
		c.onClosed()
	}
}

// TranslateReceivedState maps a just-received state's ids from
// server-space to client-space before it's applied to the local
// filesystem.
func (c *ClientWatchPoint) TranslateReceivedState(uid, gid uint32) (clientUID, clientGID uint32) {
	if c.translator == nil {
		return uid, gid
	}
	return c.translator.ServerToClientUID(uid), c.translator.ServerToClientGID(gid)
}

// TranslateSendState maps a locally observed state's ids from
// client-space to server-space before it goes on the wire.
func (c *ClientWatchPoint) TranslateSendState(uid, gid uint32) (serverUID, serverGID uint32) {
	if c.translator == nil {
		return uid, gid
	}
	return c.translator.ClientToServerUID(uid), c.translator.ClientToServerGID(gid)
}
