package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 4 // type:u8, wp_id:u8, length:u16 little-endian
	maxPayload = 1<<16 - 1

	// compressMinLength is the payload threshold below which compression
	// is never applied, regardless of the configured level.
	compressMinLength = 1024
)

var ErrOversizeFrame = errors.New("wire: frame exceeds maximum payload length")
var ErrDecompressSizeMismatch = errors.New("wire: decompressed length does not match original_size prefix")

// Frame is one decoded protocol message: a watchpoint-id-tagged opcode
// plus its (already decompressed) payload.
type Frame struct {
	Type  MessageType
	WPID  uint8
	Data  []byte
}

// EncodeFrame writes the 4-byte header followed by payload, compressing
// the payload first when its length exceeds compressMinLength and level
// is non-zero.
func EncodeFrame(w io.Writer, msgType MessageType, wpID uint8, payload []byte, level int) error {
	outType := msgType
	outPayload := payload

	if len(payload) > compressMinLength && level > 0 {
		compressed, err := compressPayload(payload, level)
		if err != nil {
			return fmt.Errorf("wire: compress payload: %w", err)
		}
		outType |= CompressBit
		outPayload = compressed
	}

	if len(outPayload) > maxPayload {
		return ErrOversizeFrame
	}

	var header [headerSize]byte
	header[0] = byte(outType)
	header[1] = wpID
	binary.LittleEndian.PutUint16(header[2:], uint16(len(outPayload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(outPayload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// DecodeFrame reads one frame's header and payload from r, transparently
// decompressing when the CompressBit is set. A decompression failure or a
// length mismatch against the embedded original_size prefix is fatal to
// the connection, per spec §7.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // includes io.EOF on clean close
	}

	rawType := MessageType(header[0])
	wpID := header[1]
	length := binary.LittleEndian.Uint16(header[2:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	if !rawType.Compressed() {
		return &Frame{Type: rawType, WPID: wpID, Data: payload}, nil
	}

	decompressed, err := decompressPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: decompress payload: %w", err)
	}

	return &Frame{Type: rawType.Base(), WPID: wpID, Data: decompressed}, nil
}

func compressPayload(payload []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	var sizePrefix [8]byte
	binary.LittleEndian.PutUint64(sizePrefix[:], uint64(len(payload)))
	buf.Write(sizePrefix[:])

	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPayload(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("wire: compressed payload too short for original_size prefix")
	}
	originalSize := binary.LittleEndian.Uint64(payload[:8])

	zr, err := zlib.NewReader(bytes.NewReader(payload[8:]))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != originalSize {
		return nil, ErrDecompressSizeMismatch
	}
	return out, nil
}
