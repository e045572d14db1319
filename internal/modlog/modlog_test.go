package modlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fexd/fexd/internal/fsstate"
)

func TestMergeCreatedThenChangedStaysCreated(t *testing.T) {
	l := New()
	l.Insert("a/b.txt", &fsstate.FileState{Action: fsstate.ActionCreated})
	l.Insert("a/b.txt", &fsstate.FileState{Action: fsstate.ActionChanged})

	s, ok := l.Get("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, fsstate.ActionCreated, s.Action)
}

func TestNewAccessSubsumedByContentAction(t *testing.T) {
	l := New()
	l.Insert("a/b.txt", &fsstate.FileState{Action: fsstate.ActionChanged})
	l.Insert("a/b.txt", &fsstate.FileState{Action: fsstate.ActionNewAcc, Mode: 0600})

	s, ok := l.Get("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, fsstate.ActionChanged, s.Action)
}

func TestSubtreeCollapse(t *testing.T) {
	l := New()
	l.Insert("dir/x.txt", &fsstate.FileState{Action: fsstate.ActionCreated})
	l.Insert("dir/sub/y.txt", &fsstate.FileState{Action: fsstate.ActionCreated})
	l.Insert("dir2/z.txt", &fsstate.FileState{Action: fsstate.ActionCreated})

	l.EraseSubtree("dir")

	assert.Equal(t, []fsstate.Path{"dir2/z.txt"}, l.SortedPaths())
}

func TestSubtreeCollapseAfterRmdiredInsert(t *testing.T) {
	l := New()
	l.Insert("dir", &fsstate.FileState{Action: fsstate.ActionRmdired})
	l.Insert("dir/x", &fsstate.FileState{Action: fsstate.ActionRemoved})
	l.EraseSubtree("dir")
	// re-insert the rmdired marker itself, since EraseSubtree removed it too:
	l.Insert("dir", &fsstate.FileState{Action: fsstate.ActionRmdired})

	assert.Equal(t, []fsstate.Path{"dir"}, l.SortedPaths())
}
