package dialog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/modlog"
	"github.com/fexd/fexd/internal/serial"
	"github.com/fexd/fexd/internal/wire"
)

// FullSyncClient drives §4.8.1: initiated once the server has Accepted.
type FullSyncClient struct {
	baseDialog

	tmpDir string

	clientSnapPath string
	serverSnapPath string

	toClient *modlog.ModLog
	phase    fullSyncClientPhase
}

type fullSyncClientPhase int

const (
	fscAwaitState fullSyncClientPhase = iota
	fscAwaitRsync
	fscAwaitLogAck
)

func NewFullSyncClient(tmpDir string) *FullSyncClient {
	return &FullSyncClient{tmpDir: tmpDir}
}

func (d *FullSyncClient) Name() string { return "FullSyncClient" }

// Run writes the local snapshot and sends FullSyncStart; invoked once by
// the host when this dialog is first pushed (there is no triggering
// inbound frame to drive it yet).
func (d *FullSyncClient) Run(h Host) (bool, error) {
	snapPath := filepath.Join(d.tmpDir, "fullsync-client-snap")
	f, err := os.Create(snapPath)
	if err != nil {
		return false, fmt.Errorf("dialog: create client snapshot: %w", err)
	}
	defer f.Close()

	paths, states := h.WatchPoint().StateDB().Snapshot()
	if err := serial.WriteAll(f, paths, states); err != nil {
		return false, fmt.Errorf("dialog: write client snapshot: %w", err)
	}
	d.clientSnapPath = snapPath

	return false, h.Send(wire.MsgFullSyncStart, nil)
}

func (d *FullSyncClient) Step(h Host, f *wire.Frame) (bool, error) {
	switch d.phase {
	case fscAwaitState:
		if f.Type != wire.MsgFullSyncState {
			return false, fmt.Errorf("dialog: FullSyncClient expected FullSyncState, got %s", f.Type)
		}
		name, _ := decodeNameSize(f.Data)
		d.serverSnapPath = filepath.Join(d.tmpDir, name)

		if err := copyFile(d.clientSnapPath, d.serverSnapPath); err != nil {
			return false, fmt.Errorf("dialog: stage server snapshot copy: %w", err)
		}

		h.Push(NewRsyncSend(d.serverSnapPath, "", nil))
		d.phase = fscAwaitRsync
		return false, nil

	case fscAwaitRsync:
		if !isPopUp(f) {
			return false, nil
		}
		return d.runReconcile(h)

	case fscAwaitLogAck:
		if !isPopUp(f) {
			return false, nil
		}
		if err := h.Send(wire.MsgFullSyncLogEnd, nil); err != nil {
			return false, err
		}
		if err := h.Send(wire.MsgFullSyncComplete, nil); err != nil {
			return false, err
		}
		if d.toClient.Len() > 0 {
			d.toClient.Each(func(path fsstate.Path, state *fsstate.FileState) {
				h.AddToLog(path, state, "", false)
			})
			h.RequireSync()
		}
		return true, nil
	}
	return false, fmt.Errorf("dialog: FullSyncClient in unknown phase")
}

func (d *FullSyncClient) runReconcile(h Host) (bool, error) {
	clientPaths, clientStates, err := readSnapshotFile(d.clientSnapPath)
	if err != nil {
		return false, err
	}
	serverPaths, serverStates, err := readSnapshotFile(d.serverSnapPath)
	if err != nil {
		return false, err
	}
	lastPaths, lastStates, err := h.WatchPoint().LoadLastSyncSnapshot()
	if err != nil {
		return false, err
	}

	clientSnap := newSnapshot(clientPaths, clientStates)
	serverSnap := newSnapshot(serverPaths, serverStates)
	lastSnap := newSnapshot(lastPaths, lastStates)

	os.Remove(d.clientSnapPath)
	os.Remove(d.serverSnapPath)

	toServer, toClient := Reconcile(clientSnap, serverSnap, lastSnap, func(path fsstate.Path, state *fsstate.FileState) error {
		full := filepath.Join(h.WatchPoint().Dir(), filepath.FromSlash(path))
		_, err := fsstate.Backup(full, state)
		return err
	})
	d.toClient = toClient

	if toServer.Len() > 0 {
		d.phase = fscAwaitLogAck
		h.Push(NewSendLog(wire.MsgFullSyncLog, toServer, h.Translator(), true))
		return false, nil
	}
	if err := h.Send(wire.MsgFullSyncLogEnd, nil); err != nil {
		return false, err
	}
	if err := h.Send(wire.MsgFullSyncComplete, nil); err != nil {
		return false, err
	}
	if d.toClient.Len() > 0 {
		d.toClient.Each(func(path fsstate.Path, state *fsstate.FileState) {
			h.AddToLog(path, state, "", false)
		})
		h.RequireSync()
	}
	return true, nil
}

// FullSyncServer drives §4.8.3: wait for FullSyncStart, offer a snapshot,
// accept reconciled log blocks, require a sync once the client is done.
type FullSyncServer struct {
	baseDialog

	tmpDir   string
	snapPath string
	phase    fullSyncServerPhase
}

type fullSyncServerPhase int

const (
	fssAwaitStart fullSyncServerPhase = iota
	fssServing
	fssAwaitLog
)

func NewFullSyncServer(tmpDir string) *FullSyncServer {
	return &FullSyncServer{tmpDir: tmpDir}
}

func (d *FullSyncServer) Name() string { return "FullSyncServer" }

func (d *FullSyncServer) Step(h Host, f *wire.Frame) (bool, error) {
	switch d.phase {
	case fssAwaitStart:
		if f.Type != wire.MsgFullSyncStart {
			return false, fmt.Errorf("dialog: FullSyncServer expected FullSyncStart, got %s", f.Type)
		}
		snapPath := filepath.Join(d.tmpDir, fmt.Sprintf("fullsync-server-snap-%d", os.Getpid()))
		out, err := os.Create(snapPath)
		if err != nil {
			return false, err
		}
		paths, states := h.WatchPoint().StateDB().Snapshot()
		err = serial.WriteAll(out, paths, states)
		out.Close()
		if err != nil {
			return false, err
		}
		d.snapPath = snapPath

		fi, err := os.Stat(snapPath)
		if err != nil {
			return false, err
		}
		if err := h.Send(wire.MsgFullSyncState, encodeNameSize(filepath.Base(snapPath), fi.Size())); err != nil {
			return false, err
		}
		h.Push(NewRsyncReceive(d.snapPath))
		d.phase = fssServing
		return false, nil

	case fssServing:
		if !isPopUp(f) {
			return false, nil
		}
		d.phase = fssAwaitLog
		return false, nil

	case fssAwaitLog:
		switch f.Type {
		case wire.MsgFullSyncLog:
			paths, states, err := decodeLogBlock(f.Data, h.Translator(), false)
			if err != nil {
				return false, err
			}
			for i, path := range paths {
				h.AddToLog(path, states[i], "", false)
			}
			return false, nil
		case wire.MsgFullSyncLogEnd:
			h.RequireSync()
			return false, nil
		case wire.MsgFullSyncComplete:
			os.Remove(d.snapPath)
			return true, nil
		}
		return false, fmt.Errorf("dialog: FullSyncServer unexpected frame %s", f.Type)
	}
	return false, fmt.Errorf("dialog: FullSyncServer in unknown phase")
}

func decodeNameSize(payload []byte) (string, int64) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return string(payload), 0
	}
	name := string(payload[:i])
	var size int64
	if len(payload) >= i+1+8 {
		size = int64(binary.LittleEndian.Uint64(payload[i+1:]))
	}
	return name, size
}

func encodeNameSize(name string, size int64) []byte {
	buf := make([]byte, 0, len(name)+1+8)
	buf = append(buf, []byte(name)...)
	buf = append(buf, 0)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(size))
	return append(buf, sizeBuf[:]...)
}

func readSnapshotFile(path string) ([]fsstate.Path, []*fsstate.FileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("dialog: open snapshot %s: %w", path, err)
	}
	defer f.Close()
	return serial.ReadAll(f)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = out.ReadFrom(in)
	return err
}
