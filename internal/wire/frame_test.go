package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameUncompressed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, MsgFullSyncLog, 3, []byte("hello"), 0))

	f, err := DecodeFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgFullSyncLog, f.Type)
	assert.Equal(t, uint8(3), f.WPID)
	assert.Equal(t, []byte("hello"), f.Data)
	assert.False(t, f.Type.Compressed())
}

func TestEncodeFrameCompressesLargePayload(t *testing.T) {
	payload := []byte(strings.Repeat("a", compressMinLength+1))

	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, MsgFullSyncState, 1, payload, 6))

	// The on-wire type byte should carry the compress bit.
	wireBytes := buf.Bytes()
	require.True(t, MessageType(wireBytes[0]).Compressed())

	f, err := DecodeFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgFullSyncState, f.Type)
	assert.Equal(t, payload, f.Data)
}

func TestEncodeFrameSkipsCompressionBelowThreshold(t *testing.T) {
	payload := []byte(strings.Repeat("b", compressMinLength))

	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, MsgSyncLogBlock, 0, payload, 6))

	wireBytes := buf.Bytes()
	assert.False(t, MessageType(wireBytes[0]).Compressed())
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	payload := make([]byte, maxPayload+1)
	var buf bytes.Buffer
	err := EncodeFrame(&buf, MsgFullSyncLog, 0, payload, 0)
	assert.ErrorIs(t, err, ErrOversizeFrame)
}

func TestDecodeFrameDetectsSizeMismatch(t *testing.T) {
	compressed, err := compressPayload([]byte("payload"), 6)
	require.NoError(t, err)

	// Corrupt the embedded original-size prefix.
	tampered := make([]byte, len(compressed))
	copy(tampered, compressed)
	tampered[0] ^= 0xFF

	var header [headerSize]byte
	header[0] = byte(MsgFullSyncLog | CompressBit)
	var buf bytes.Buffer
	buf.Write(header[:2])
	lenBuf := []byte{byte(len(tampered)), byte(len(tampered) >> 8)}
	buf.Write(lenBuf)
	buf.Write(tampered)

	_, err = DecodeFrame(&buf)
	assert.Error(t, err)
}

func TestDecodeFrameEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	_, err := DecodeFrame(&buf)
	assert.Error(t, err)
}

func TestMessageTypeStringAndBase(t *testing.T) {
	assert.Equal(t, "FullSyncStart", MsgFullSyncStart.String())
	compressed := MsgFullSyncStart | CompressBit
	assert.Equal(t, "FullSyncStart", compressed.String())
	assert.Equal(t, MsgFullSyncStart, compressed.Base())
	assert.True(t, compressed.Compressed())
}
