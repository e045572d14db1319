// Package serial implements the binary, key-prefix-compressed encoding of
// (path, FileState) sequences used both for on-disk StateDB snapshots and
// as the wire payload of incremental log blocks.
//
// Record layout: prefix_len (uvarint) || key_tail (NUL-terminated) ||
// state (fixed 53-byte layout). The first record of a stream (or of any
// block following Reset) has prefix_len == 0.
package serial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fexd/fexd/internal/fsstate"
)

const stateSize = 16 + 4 + 4 + 4 + 8 + 8 + 8 + 1 // FileState fixed layout

// Writer emits a prefix-compressed stream of (path, FileState) records.
// Records MUST be written in non-decreasing key order; the encoding is
// only byte-exact to decode under that invariant.
type Writer struct {
	w       *bufio.Writer
	lastKey string
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Reset forgets the previous key, forcing the next WriteRecord to encode a
// full key with prefix_len == 0. Used at block boundaries.
func (w *Writer) Reset() {
	w.lastKey = ""
}

// WriteRecord encodes one (path, state) pair.
func (w *Writer) WriteRecord(path fsstate.Path, state *fsstate.FileState) error {
	prefixLen := commonPrefixLen(w.lastKey, path)
	tail := path[prefixLen:]

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(prefixLen))
	if _, err := w.w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("serial: write prefix_len: %w", err)
	}

	if _, err := w.w.WriteString(tail); err != nil {
		return fmt.Errorf("serial: write key_tail: %w", err)
	}
	if err := w.w.WriteByte(0); err != nil {
		return fmt.Errorf("serial: write key_tail terminator: %w", err)
	}

	buf := encodeState(state)
	if _, err := w.w.Write(buf[:]); err != nil {
		return fmt.Errorf("serial: write state: %w", err)
	}

	w.lastKey = path
	return nil
}

// Flush flushes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader decodes a stream written by Writer. End of stream is signaled by
// io.EOF from ReadRecord.
type Reader struct {
	r       *bufio.Reader
	lastKey string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Reset forgets the previously decoded key, mirroring Writer.Reset at
// block boundaries.
func (r *Reader) Reset() {
	r.lastKey = ""
}

// ReadRecord decodes the next (path, state) pair, or returns io.EOF when
// the stream is exhausted (a short read at a record boundary).
func (r *Reader) ReadRecord() (fsstate.Path, *fsstate.FileState, error) {
	prefixLen, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("serial: read prefix_len: %w", err)
	}

	tail, err := r.r.ReadString(0)
	if err != nil {
		return "", nil, fmt.Errorf("serial: read key_tail: %w", err)
	}
	tail = tail[:len(tail)-1] // strip NUL terminator

	if int(prefixLen) > len(r.lastKey) {
		return "", nil, fmt.Errorf("serial: prefix_len %d exceeds last key length %d", prefixLen, len(r.lastKey))
	}
	path := r.lastKey[:prefixLen] + tail

	var buf [stateSize]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return "", nil, fmt.Errorf("serial: read state: %w", err)
	}
	state := decodeState(buf)

	r.lastKey = path
	return path, state, nil
}

func commonPrefixLen(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	i := 0
	for i < max && a[i] == b[i] {
		i++
	}
	return i
}

func encodeState(s *fsstate.FileState) [stateSize]byte {
	var buf [stateSize]byte
	off := 0
	copy(buf[off:off+16], s.MD4[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:], s.UID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.GID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.Mode)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.Mtime))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.Ctime))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(s.Size))
	off += 8
	buf[off] = byte(s.Action)
	return buf
}

func decodeState(buf [stateSize]byte) *fsstate.FileState {
	s := &fsstate.FileState{}
	off := 0
	copy(s.MD4[:], buf[off:off+16])
	off += 16
	s.UID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.GID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.Mtime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	s.Ctime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	s.Size = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	s.Action = fsstate.Action(buf[off])
	return s
}

// WriteAll encodes a full sorted sequence to w, one call for an entire
// on-disk snapshot or a single wire block.
func WriteAll(w io.Writer, paths []fsstate.Path, states []*fsstate.FileState) error {
	sw := NewWriter(w)
	for i, p := range paths {
		if err := sw.WriteRecord(p, states[i]); err != nil {
			return err
		}
	}
	return sw.Flush()
}

// ReadAll decodes every record from r until EOF.
func ReadAll(r io.Reader) (paths []fsstate.Path, states []*fsstate.FileState, err error) {
	sr := NewReader(r)
	for {
		p, s, err := sr.ReadRecord()
		if err == io.EOF {
			return paths, states, nil
		}
		if err != nil {
			return nil, nil, err
		}
		paths = append(paths, p)
		states = append(states, s)
	}
}
