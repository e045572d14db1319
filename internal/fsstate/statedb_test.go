package fsstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysValid(Path) bool { return true }

func TestGetSetDelete(t *testing.T) {
	db := New(t.TempDir())
	st := &FileState{Size: 42, Action: ActionCreated}
	db.Set("a/b.txt", st)

	got, ok := db.Get("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Size)

	db.Delete("a/b.txt")
	_, ok = db.Get("a/b.txt")
	assert.False(t, ok)
}

func TestSortedPathsAndSnapshot(t *testing.T) {
	db := New(t.TempDir())
	db.Set("b", &FileState{})
	db.Set("a", &FileState{})
	db.Set("c", &FileState{})

	assert.Equal(t, []Path{"a", "b", "c"}, db.SortedPaths())

	paths, states := db.Snapshot()
	assert.Equal(t, []Path{"a", "b", "c"}, paths)
	assert.Len(t, states, 3)
}

func TestLoadSnapshotReplacesEntries(t *testing.T) {
	db := New(t.TempDir())
	db.Set("stale", &FileState{})

	db.LoadSnapshot([]Path{"fresh"}, []*FileState{{Size: 1}})

	_, ok := db.Get("stale")
	assert.False(t, ok)
	got, ok := db.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Size)
}

func TestRescanDetectsNewFile(t *testing.T) {
	root := t.TempDir()
	db := New(root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "new.txt"), []byte("hello"), 0644))

	var changed []Path
	require.NoError(t, db.Rescan("", alwaysValid, func(p Path, s *FileState) {
		changed = append(changed, p)
	}))

	assert.Equal(t, []Path{"new.txt"}, changed)
	got, ok := db.Get("new.txt")
	require.True(t, ok)
	assert.Equal(t, ActionCreated, got.Action)
	assert.Equal(t, int64(5), got.Size)
}

func TestRescanDetectsContentChange(t *testing.T) {
	root := t.TempDir()
	db := New(root)
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	require.NoError(t, db.Rescan("", alwaysValid, func(Path, *FileState) {}))
	first, _ := db.Get("f.txt")

	// Force an observable mtime difference across filesystems with coarse
	// mtime granularity.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("version-two-longer"), 0644))
	require.NoError(t, os.Chtimes(path, future, future))

	var changedAction Action
	require.NoError(t, db.Rescan("", alwaysValid, func(p Path, s *FileState) {
		changedAction = s.Action
	}))

	second, _ := db.Get("f.txt")
	assert.Equal(t, ActionChanged, changedAction)
	assert.NotEqual(t, first.MD4, second.MD4)
	assert.Equal(t, int64(len("version-two-longer")), second.Size)
}

func TestRescanSkipsInvalidPaths(t *testing.T) {
	root := t.TempDir()
	db := New(root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), []byte("x"), 0644))

	var changed []Path
	isValid := func(p Path) bool { return p != "skip.tmp" }
	require.NoError(t, db.Rescan("", isValid, func(p Path, s *FileState) {
		changed = append(changed, p)
	}))

	assert.Empty(t, changed)
	_, ok := db.Get("skip.tmp")
	assert.False(t, ok)
}

func TestValidateMD4ForcesRescanOnMismatch(t *testing.T) {
	db := New(t.TempDir())
	db.Set("f", &FileState{Mtime: 123, MD4: [16]byte{1, 2, 3}})

	db.ValidateMD4("f", [16]byte{9, 9, 9})

	got, ok := db.Get("f")
	require.True(t, ok)
	assert.Equal(t, int64(0), got.Mtime)
}

func TestLoadSnapshotRoundTripsExactly(t *testing.T) {
	db := New(t.TempDir())
	wantPaths := []Path{"a", "b", "c"}
	wantStates := []*FileState{
		{Size: 1, Action: ActionCreated},
		{Size: 2, Action: ActionChanged, MD4: [16]byte{1}},
		{Size: 3, Action: ActionRemoved},
	}
	db.LoadSnapshot(wantPaths, wantStates)

	gotPaths, gotStates := db.Snapshot()
	if diff := cmp.Diff(wantPaths, gotPaths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantStates, gotStates); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateMD4NoopOnMatch(t *testing.T) {
	db := New(t.TempDir())
	db.Set("f", &FileState{Mtime: 123, MD4: [16]byte{1, 2, 3}})

	db.ValidateMD4("f", [16]byte{1, 2, 3})

	got, ok := db.Get("f")
	require.True(t, ok)
	assert.Equal(t, int64(123), got.Mtime)
}
