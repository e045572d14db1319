package watchpoint

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const sentinelTmpSubstring = "/.fextmp"

// IsValidPath reports whether p should be tracked by this watchpoint's
// StateDB: it must not contain the scratch-directory sentinel, and must
// match some include glob, OR match no exclude glob. Includes are
// checked first, then excludes; the default is to accept.
func (wp *WatchPoint) IsValidPath(p string) bool {
	if strings.Contains("/"+p, sentinelTmpSubstring) {
		return false
	}

	if v, ok := wp.validCache.Get(p); ok {
		return v
	}

	valid := wp.evalValidPath(p)
	wp.validCache.Add(p, valid)
	return valid
}

func (wp *WatchPoint) evalValidPath(p string) bool {
	for _, pattern := range wp.cfg.Include {
		if matchGlob(pattern, p) {
			return true
		}
	}
	for _, pattern := range wp.cfg.Exclude {
		if matchGlob(pattern, p) {
			return false
		}
	}
	return true
}

func matchGlob(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return ok
}
