// Package fsstate mirrors the on-disk metadata of a watched directory tree
// and detects local changes between rescans.
package fsstate

import "strings"

// Path is a relative, slash-separated filesystem path. It sorts correctly
// with a plain string comparison, which is all the ordered map in StateDB
// and ModLog requires.
type Path = string

// IsParentOf reports whether child is strictly inside the directory named
// by parent, i.e. child starts with parent + "/". A path is never its own
// parent.
func IsParentOf(parent, child Path) bool {
	return strings.HasPrefix(child, parent+"/")
}
