// Package rsyncjob implements the opaque rsync-style signature/delta/patch
// codec referenced by spec §4.8.7 and the GLOSSARY as "the content-
// differencing codec treated here as an opaque library." No rsync or
// librsync Go binding exists in the example corpus, so this is a minimal,
// from-scratch implementation of the classic rolling-checksum algorithm
// over crypto/md5, kept deliberately small: it is a protocol boundary,
// not a component the rest of fexd needs to understand internals of.
package rsyncjob

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultBlockSize is used when the caller doesn't have a reason to pick
// something else.
const DefaultBlockSize = 16 * 1024

// BlockSig is one block's rolling weak checksum plus its strong (MD5)
// checksum, matching signature records exchanged via RsyncSigBlock.
type BlockSig struct {
	Index     int
	WeakSum   uint32
	StrongSum [md5.Size]byte
}

// Signature is the ordered list of a file's block checksums plus the
// block size they were computed with.
type Signature struct {
	BlockSize int
	Blocks    []BlockSig
}

// GenerateSignature reads r in BlockSize chunks and returns one BlockSig
// per chunk (the final chunk may be shorter).
func GenerateSignature(r io.Reader, blockSize int) (*Signature, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	sig := &Signature{BlockSize: blockSize}
	buf := make([]byte, blockSize)

	for i := 0; ; i++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sig.Blocks = append(sig.Blocks, BlockSig{
				Index:     i,
				WeakSum:   weakChecksum(buf[:n]),
				StrongSum: md5.Sum(buf[:n]),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("rsyncjob: read block %d: %w", i, err)
		}
	}
	return sig, nil
}

// EncodeSignature/DecodeSignature serialize a Signature for RsyncSigBlock
// wire frames: block_size:u32, then repeated (weak:u32, strong:16 bytes).
func EncodeSignature(sig *Signature) []byte {
	out := make([]byte, 4, 4+len(sig.Blocks)*(4+md5.Size))
	binary.LittleEndian.PutUint32(out, uint32(sig.BlockSize))
	for _, b := range sig.Blocks {
		var weakBuf [4]byte
		binary.LittleEndian.PutUint32(weakBuf[:], b.WeakSum)
		out = append(out, weakBuf[:]...)
		out = append(out, b.StrongSum[:]...)
	}
	return out
}

func DecodeSignature(payload []byte) (*Signature, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("rsyncjob: signature payload too short")
	}
	sig := &Signature{BlockSize: int(binary.LittleEndian.Uint32(payload))}
	rest := payload[4:]
	recSize := 4 + md5.Size
	for i := 0; i+recSize <= len(rest); i += recSize {
		b := BlockSig{Index: i / recSize}
		b.WeakSum = binary.LittleEndian.Uint32(rest[i:])
		copy(b.StrongSum[:], rest[i+4:i+recSize])
		sig.Blocks = append(sig.Blocks, b)
	}
	return sig, nil
}

// weakChecksum is the classic rsync rolling checksum (Adler-style, mod
// 65536): a = sum(bytes), b = sum of running partial sums.
func weakChecksum(data []byte) uint32 {
	var a, b uint32
	for i, c := range data {
		a += uint32(c)
		b += (uint32(len(data)-i)) * uint32(c)
	}
	return (b << 16) | (a & 0xffff)
}

// rollChecksum advances a weak checksum by one byte: removing `out` from
// the front of a window of length blockLen and adding `in` at the back.
func rollChecksum(prev uint32, blockLen int, out, in byte) uint32 {
	a := prev & 0xffff
	b := prev >> 16

	a = (a - uint32(out) + uint32(in)) & 0xffff
	b = (b - uint32(blockLen)*uint32(out) + a) & 0xffff
	return (b << 16) | a
}
