package fsstate

import (
	"hash"
	"os"
	"syscall"

	"golang.org/x/crypto/md4"
)

func newMD4() hash.Hash {
	return md4.New()
}

// chownPreserving copies uid/gid from src onto dst (best-effort: errors are
// swallowed when running unprivileged, matching a non-root dev/test run).
func chownPreserving(dst, src string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return nil
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	_ = os.Chown(dst, int(sys.Uid), int(sys.Gid))
	return nil
}
