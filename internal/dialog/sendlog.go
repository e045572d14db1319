package dialog

import (
	"bytes"
	"fmt"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/idmap"
	"github.com/fexd/fexd/internal/modlog"
	"github.com/fexd/fexd/internal/serial"
	"github.com/fexd/fexd/internal/wire"
)

// maxLogBlockBytes bounds one serialized SendLog block, per spec §4.8.6
// ("no larger than 16 KiB of serialized payload").
const maxLogBlockBytes = 16 * 1024

// SendLog walks a ModLog emitting it as a sequence of blocks tagged with
// msgType (FullSyncLog or SyncLogBlock), translating each state's
// uid/gid before serializing, and resetting the wire prefix codec at
// each block boundary. It collapses a rmdired record's subtree out of
// the log as it's sent. It sends the whole log in one pass and does not
// pause while the connection reports pending write bytes; OnWavail just
// re-runs the drain.
type SendLog struct {
	msgType  wire.MessageType
	log      *modlog.ModLog
	tr       *idmap.Translator
	fromClient bool

	remaining []fsstate.Path
	writer    *serial.Writer
	buf       *bytes.Buffer
}

func NewSendLog(msgType wire.MessageType, log *modlog.ModLog, tr *idmap.Translator, fromClient bool) *SendLog {
	buf := &bytes.Buffer{}
	return &SendLog{
		msgType:    msgType,
		log:        log,
		tr:         tr,
		fromClient: fromClient,
		remaining:  log.SortedPaths(),
		writer:     serial.NewWriter(buf),
		buf:        buf,
	}
}

func (d *SendLog) Name() string { return "SendLog" }

// Step only ever sees the synthetic pop-up frame (SendLog itself never
// pushes a sub-dialog), so it just keeps draining.
func (d *SendLog) Step(h Host, f *wire.Frame) (bool, error) {
	return d.drain(h)
}

func (d *SendLog) OnWavail(h Host) (bool, error) {
	return d.drain(h)
}

// Run is invoked once by the opener immediately after pushing this
// dialog, to kick off the first block without waiting for an inbound
// frame.
func (d *SendLog) Run(h Host) (bool, error) {
	return d.drain(h)
}

func (d *SendLog) drain(h Host) (bool, error) {
	for len(d.remaining) > 0 {
		path := d.remaining[0]
		state, ok := d.log.Get(path)
		if !ok {
			d.remaining = d.remaining[1:]
			continue
		}

		sendState := translateForSend(state, d.tr, d.fromClient)
		if err := d.writer.WriteRecord(path, sendState); err != nil {
			return false, fmt.Errorf("dialog: encode log record: %w", err)
		}
		d.remaining = d.remaining[1:]

		if state.Action == fsstate.ActionRmdired {
			d.log.EraseSubtree(path)
		}

		if d.buf.Len() >= maxLogBlockBytes {
			if err := d.flush(h); err != nil {
				return false, err
			}
		}
	}

	if d.buf.Len() > 0 {
		if err := d.flush(h); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *SendLog) flush(h Host) error {
	payload := make([]byte, d.buf.Len())
	copy(payload, d.buf.Bytes())
	d.buf.Reset()
	d.writer.Reset()

	if err := h.Send(d.msgType, payload); err != nil {
		return fmt.Errorf("dialog: send log block: %w", err)
	}
	return nil
}

// translateForSend applies the client->server (or, on the receiving
// side, server->client) uid/gid remap to a copy of state before it goes
// on the wire.
func translateForSend(state *fsstate.FileState, tr *idmap.Translator, fromClient bool) *fsstate.FileState {
	if tr == nil {
		return state
	}
	out := state.Clone()
	if fromClient {
		out.UID = tr.ClientToServerUID(state.UID)
		out.GID = tr.ClientToServerGID(state.GID)
	} else {
		out.UID = tr.ServerToClientUID(state.UID)
		out.GID = tr.ServerToClientGID(state.GID)
	}
	return out
}

// decodeLogRecord decodes the first (path, state) record of a block
// payload, translating in the inverse
// direction of translateForSend. toClient indicates the local session is
// the client (so the incoming state is server-space and must be
// translated to client-space).
func decodeLogRecord(payload []byte, tr *idmap.Translator, toClient bool) (fsstate.Path, *fsstate.FileState, error) {
	r := serial.NewReader(bytes.NewReader(payload))
	path, state, err := r.ReadRecord()
	if err != nil {
		return "", nil, err
	}
	if tr == nil {
		return path, state, nil
	}
	if toClient {
		state.UID = tr.ServerToClientUID(state.UID)
		state.GID = tr.ServerToClientGID(state.GID)
	} else {
		state.UID = tr.ClientToServerUID(state.UID)
		state.GID = tr.ClientToServerGID(state.GID)
	}
	return path, state, nil
}

// decodeLogBlock decodes every record in a block payload.
func decodeLogBlock(payload []byte, tr *idmap.Translator, toClient bool) ([]fsstate.Path, []*fsstate.FileState, error) {
	r := serial.NewReader(bytes.NewReader(payload))
	var paths []fsstate.Path
	var states []*fsstate.FileState
	for {
		path, state, err := r.ReadRecord()
		if err != nil {
			break
		}
		if tr != nil {
			if toClient {
				state.UID = tr.ServerToClientUID(state.UID)
				state.GID = tr.ServerToClientGID(state.GID)
			} else {
				state.UID = tr.ClientToServerUID(state.UID)
				state.GID = tr.ClientToServerGID(state.GID)
			}
		}
		paths = append(paths, path)
		states = append(states, state)
	}
	return paths, states, nil
}
