package rsyncjob

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureEncodeDecodeRoundTrip(t *testing.T) {
	basis := strings.NewReader(strings.Repeat("x", 4*1024) + strings.Repeat("y", 100))
	sig, err := GenerateSignature(basis, 1024)
	require.NoError(t, err)
	require.Len(t, sig.Blocks, 5)

	encoded := EncodeSignature(sig)
	decoded, err := DecodeSignature(encoded)
	require.NoError(t, err)

	assert.Equal(t, sig.BlockSize, decoded.BlockSize)
	assert.Equal(t, sig.Blocks, decoded.Blocks)
}

func TestGenerateApplyDeltaReconstructsIdenticalContent(t *testing.T) {
	basisContent := strings.Repeat("abcdefgh", 2048) // 16KiB, matches DefaultBlockSize
	basis := strings.NewReader(basisContent)

	sig, err := GenerateSignature(basis, 4096)
	require.NoError(t, err)

	// New content shares its first and last blocks with basis but has a
	// literal insertion in the middle.
	newContent := basisContent[:4096] + "INSERTED-LITERAL-DATA" + basisContent[4096:]

	ops, err := GenerateDelta(strings.NewReader(newContent), sig)
	require.NoError(t, err)
	require.NotEmpty(t, ops)

	var out bytes.Buffer
	require.NoError(t, ApplyDelta(&out, strings.NewReader(basisContent), ops))

	assert.Equal(t, newContent, out.String())
}

func TestGenerateDeltaOfIdenticalContentIsAllCopies(t *testing.T) {
	content := strings.Repeat("z", 8192)
	sig, err := GenerateSignature(strings.NewReader(content), 2048)
	require.NoError(t, err)

	ops, err := GenerateDelta(strings.NewReader(content), sig)
	require.NoError(t, err)

	for _, op := range ops {
		assert.Equal(t, OpCopy, op.Kind)
	}

	var out bytes.Buffer
	require.NoError(t, ApplyDelta(&out, strings.NewReader(content), ops))
	assert.Equal(t, content, out.String())
}

func TestDeltaOpsEncodeDecodeRoundTrip(t *testing.T) {
	ops := []Op{
		{Kind: OpCopy, Offset: 0, Length: 4096},
		{Kind: OpData, Bytes: []byte("hello world")},
		{Kind: OpCopy, Offset: 8192, Length: 2048},
	}

	payload := EncodeDeltaOps(ops)
	decoded, err := DecodeDeltaOps(payload)
	require.NoError(t, err)
	require.Len(t, decoded, len(ops))

	for i := range ops {
		assert.Equal(t, ops[i].Kind, decoded[i].Kind)
		assert.Equal(t, ops[i].Offset, decoded[i].Offset)
		assert.Equal(t, ops[i].Length, decoded[i].Length)
		assert.Equal(t, ops[i].Bytes, decoded[i].Bytes)
	}
}

func TestDecodeDeltaOpsRejectsTruncatedPayload(t *testing.T) {
	_, err := DecodeDeltaOps([]byte{byte(OpCopy), 1, 2, 3})
	assert.Error(t, err)
}
