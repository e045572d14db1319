package dialog

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/rsyncjob"
	"github.com/fexd/fexd/internal/wire"
)

// maxRsyncBlockBytes bounds one serialized RsyncSigBlock/RsyncDeltaBlock
// payload, mirroring sendlog.go's maxLogBlockBytes: a whole-file signature
// or an all-literal delta (the common case for a newly created file, per
// spec §8 scenario S1) easily exceeds internal/wire's 64KiB frame limit,
// so both streams are split into chunks and reassembled by the peer
// before decoding.
const maxRsyncBlockBytes = 16 * 1024

// RsyncSend is run by the peer holding the stale version of a file: it
// drives the signature job over its current content, then applies
// incoming delta blocks to a tmp file and atomically replaces the
// current one on RsyncDeltaEnd. Despite the name, it is the *receiver*
// of new bytes — the name reflects protocol role, not data direction.
type RsyncSend struct {
	baseDialog

	path     string
	relPath  fsstate.Path
	state    *fsstate.FileState
	tmpF     *os.File
	deltaBuf bytes.Buffer
	phase    rsyncSendPhase
}

type rsyncSendPhase int

const (
	rsSigPhase rsyncSendPhase = iota
	rsDeltaPhase
)

// NewRsyncSend targets path, the local (possibly not-yet-existing) file
// that will be brought up to date. state carries the remote's target
// mode/uid/gid/mtime, applied via WatchPoint.ChangeAccess once the
// content transfer completes (spec §4.8.7 "apply target access bits");
// it is nil for transfers that aren't tracked watchpoint entries (e.g.
// the full-sync snapshot file itself), which skip that step.
func NewRsyncSend(path string, relPath fsstate.Path, state *fsstate.FileState) *RsyncSend {
	return &RsyncSend{path: path, relPath: relPath, state: state}
}

func (d *RsyncSend) Name() string { return "RsyncSend" }

// Run computes and streams the signature of our current content, then
// waits for delta blocks.
func (d *RsyncSend) Run(h Host) (bool, error) {
	if err := h.Send(wire.MsgRsyncStart, []byte(d.path)); err != nil {
		return false, err
	}

	f, err := os.Open(d.path)
	if err != nil {
		f = nil // no existing file: signature is empty, delta will be all-literal
	}
	var sig *rsyncjob.Signature
	if f != nil {
		sig, err = rsyncjob.GenerateSignature(f, rsyncjob.DefaultBlockSize)
		f.Close()
		if err != nil {
			return false, fmt.Errorf("dialog: generate signature for %s: %w", d.path, err)
		}
	} else {
		sig = &rsyncjob.Signature{BlockSize: rsyncjob.DefaultBlockSize}
	}

	if err := sendChunked(h, wire.MsgRsyncSigBlock, rsyncjob.EncodeSignature(sig)); err != nil {
		return false, err
	}
	if err := h.Send(wire.MsgRsyncSigEnd, nil); err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(dirOf(d.path), "rsync-delta-*")
	if err != nil {
		return false, fmt.Errorf("dialog: create delta tmp file: %w", err)
	}
	d.tmpF = tmp
	return false, nil
}

func (d *RsyncSend) Step(h Host, f *wire.Frame) (bool, error) {
	switch f.Type {
	case wire.MsgRsyncDeltaBlock:
		// Accumulate; the peer may have split one delta across several
		// blocks (see sendChunked), so this frame alone may cut an op
		// record in half.
		d.deltaBuf.Write(f.Data)
		return false, nil

	case wire.MsgRsyncDeltaEnd:
		ops, err := rsyncjob.DecodeDeltaOps(d.deltaBuf.Bytes())
		if err != nil {
			d.tmpF.Close()
			os.Remove(d.tmpF.Name())
			return false, err
		}
		basis, err := os.Open(d.path)
		if err != nil {
			basis = nil
		}
		var reader interface {
			ReadAt([]byte, int64) (int, error)
		}
		if basis != nil {
			reader = basis
			defer basis.Close()
		} else {
			reader = bytes.NewReader(nil)
		}
		if err := rsyncjob.ApplyDelta(d.tmpF, reader, ops); err != nil {
			d.tmpF.Close()
			os.Remove(d.tmpF.Name())
			return false, err
		}
		d.tmpF.Close()
		if err := os.Rename(d.tmpF.Name(), d.path); err != nil {
			return false, fmt.Errorf("dialog: replace %s: %w", d.path, err)
		}
		if d.state != nil {
			if err := h.WatchPoint().ChangeAccess(d.relPath, d.state); err != nil {
				return false, err
			}
		}
		return true, nil

	case wire.MsgRsyncAbort:
		d.tmpF.Close()
		os.Remove(d.tmpF.Name())
		return true, nil
	}
	return false, fmt.Errorf("dialog: RsyncSend unexpected frame %s", f.Type)
}

// RsyncReceive is run by the peer holding the authoritative new content:
// it consumes the peer's signature, then drives the delta job, streaming
// delta blocks until RsyncDeltaEnd. It is the *sender* of new bytes.
type RsyncReceive struct {
	baseDialog

	path string
	sig  *bufio.Writer
	buf  bytes.Buffer
}

func NewRsyncReceive(path string) *RsyncReceive {
	return &RsyncReceive{path: path}
}

// NewRsyncReceiveFromFrame builds a RsyncReceive targeting the path named
// in a peer's RsyncStart frame.
func NewRsyncReceiveFromFrame(f *wire.Frame) *RsyncReceive {
	return &RsyncReceive{path: string(f.Data)}
}

func (d *RsyncReceive) Name() string { return "RsyncReceive" }

func (d *RsyncReceive) Step(h Host, f *wire.Frame) (bool, error) {
	switch f.Type {
	case wire.MsgRsyncSigBlock:
		d.buf.Write(f.Data)
		return false, nil

	case wire.MsgRsyncSigEnd:
		sig, err := rsyncjob.DecodeSignature(d.buf.Bytes())
		if err != nil {
			h.Send(wire.MsgRsyncAbort, nil)
			return true, nil
		}
		d.buf.Reset()

		src, err := os.Open(d.path)
		if err != nil {
			h.Send(wire.MsgRsyncAbort, nil)
			return true, nil
		}
		defer src.Close()

		ops, err := rsyncjob.GenerateDelta(src, sig)
		if err != nil {
			h.Send(wire.MsgRsyncAbort, nil)
			return true, nil
		}

		if err := sendChunked(h, wire.MsgRsyncDeltaBlock, rsyncjob.EncodeDeltaOps(ops)); err != nil {
			return false, err
		}
		return true, h.Send(wire.MsgRsyncDeltaEnd, nil)
	}
	return false, fmt.Errorf("dialog: RsyncReceive unexpected frame %s", f.Type)
}

// sendChunked splits payload into maxRsyncBlockBytes pieces, sending each
// as its own msgType frame, so a whole-file signature or all-literal delta
// never exceeds internal/wire's frame size limit. An empty payload still
// sends one (empty) frame, matching the un-chunked callers this replaces.
func sendChunked(h Host, msgType wire.MessageType, payload []byte) error {
	if len(payload) == 0 {
		return h.Send(msgType, nil)
	}
	for len(payload) > 0 {
		n := maxRsyncBlockBytes
		if n > len(payload) {
			n = len(payload)
		}
		if err := h.Send(msgType, payload[:n]); err != nil {
			return fmt.Errorf("dialog: send rsync block: %w", err)
		}
		payload = payload[n:]
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
