package rsyncjob

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
)

// OpKind distinguishes a literal-data op from a copy-from-basis op.
type OpKind uint8

const (
	OpData OpKind = iota
	OpCopy
)

// Op is one delta instruction: either literal Bytes to append, or a Copy
// of Length bytes from Offset in the receiver's existing (stale) file.
type Op struct {
	Kind   OpKind
	Offset int64
	Length int64
	Bytes  []byte
}

// GenerateDelta scans r (the authoritative new content) against sig (the
// peer's signature of its stale copy) using a rolling-checksum search,
// producing a minimal sequence of copy/literal ops.
func GenerateDelta(r io.Reader, sig *Signature) ([]Op, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rsyncjob: read source for delta: %w", err)
	}

	index := make(map[uint32][]BlockSig, len(sig.Blocks))
	for _, b := range sig.Blocks {
		index[b.WeakSum] = append(index[b.WeakSum], b)
	}

	blockSize := sig.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var ops []Op
	var literal []byte

	flushLiteral := func() {
		if len(literal) > 0 {
			ops = append(ops, Op{Kind: OpData, Bytes: literal})
			literal = nil
		}
	}

	i := 0
	n := len(data)
	for i < n {
		remaining := n - i
		winLen := blockSize
		if remaining < winLen {
			winLen = remaining
		}
		window := data[i : i+winLen]
		weak := weakChecksum(window)

		if matchLen, offset, ok := findMatch(window, weak, index, blockSize); ok {
			flushLiteral()
			ops = append(ops, Op{Kind: OpCopy, Offset: offset, Length: int64(matchLen)})
			i += matchLen
			continue
		}

		literal = append(literal, data[i])
		i++
	}
	flushLiteral()
	return ops, nil
}

// findMatch checks whether window matches a known signature block by
// weak sum, confirmed by strong (MD5) sum to rule out weak-sum
// collisions.
func findMatch(window []byte, weak uint32, index map[uint32][]BlockSig, blockSize int) (length int, offset int64, ok bool) {
	candidates, found := index[weak]
	if !found {
		return 0, 0, false
	}
	strong := md5.Sum(window)
	for _, c := range candidates {
		if c.StrongSum == strong {
			return len(window), int64(c.Index) * int64(blockSize), true
		}
	}
	return 0, 0, false
}

// EncodeDeltaOps/DecodeDeltaOps serialize ops for RsyncDeltaBlock frames:
// repeated records of kind:u8 then either (offset:i64,length:i64) for a
// copy or (length:u32, bytes) for literal data.
func EncodeDeltaOps(ops []Op) []byte {
	var out []byte
	for _, op := range ops {
		out = append(out, byte(op.Kind))
		switch op.Kind {
		case OpCopy:
			var buf [16]byte
			binary.LittleEndian.PutUint64(buf[0:8], uint64(op.Offset))
			binary.LittleEndian.PutUint64(buf[8:16], uint64(op.Length))
			out = append(out, buf[:]...)
		case OpData:
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(op.Bytes)))
			out = append(out, lenBuf[:]...)
			out = append(out, op.Bytes...)
		}
	}
	return out
}

func DecodeDeltaOps(payload []byte) ([]Op, error) {
	var ops []Op
	i := 0
	for i < len(payload) {
		kind := OpKind(payload[i])
		i++
		switch kind {
		case OpCopy:
			if i+16 > len(payload) {
				return nil, fmt.Errorf("rsyncjob: truncated copy op")
			}
			offset := int64(binary.LittleEndian.Uint64(payload[i : i+8]))
			length := int64(binary.LittleEndian.Uint64(payload[i+8 : i+16]))
			ops = append(ops, Op{Kind: OpCopy, Offset: offset, Length: length})
			i += 16
		case OpData:
			if i+4 > len(payload) {
				return nil, fmt.Errorf("rsyncjob: truncated data op")
			}
			length := binary.LittleEndian.Uint32(payload[i : i+4])
			i += 4
			if i+int(length) > len(payload) {
				return nil, fmt.Errorf("rsyncjob: truncated data op body")
			}
			ops = append(ops, Op{Kind: OpData, Bytes: payload[i : i+int(length)]})
			i += int(length)
		default:
			return nil, fmt.Errorf("rsyncjob: unknown op kind %d", kind)
		}
	}
	return ops, nil
}

// ApplyDelta reconstructs the new file content into w, copying from
// basis (the receiver's stale file) for OpCopy and writing OpData
// literally.
func ApplyDelta(w io.Writer, basis io.ReaderAt, ops []Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpData:
			if _, err := w.Write(op.Bytes); err != nil {
				return fmt.Errorf("rsyncjob: write literal: %w", err)
			}
		case OpCopy:
			buf := make([]byte, op.Length)
			if _, err := basis.ReadAt(buf, op.Offset); err != nil && err != io.EOF {
				return fmt.Errorf("rsyncjob: copy from basis: %w", err)
			}
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("rsyncjob: write copy: %w", err)
			}
		}
	}
	return nil
}
