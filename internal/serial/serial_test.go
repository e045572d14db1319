package serial

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fexd/fexd/internal/fsstate"
)

func TestRoundTrip(t *testing.T) {
	paths := []fsstate.Path{
		"a",
		"a/b",
		"a/b/c.txt",
		"a/c.txt",
		"b",
	}
	states := make([]*fsstate.FileState, len(paths))
	for i := range paths {
		states[i] = &fsstate.FileState{
			UID:    uint32(i),
			GID:    uint32(i + 1),
			Mode:   0100644,
			Mtime:  int64(1000 + i),
			Ctime:  int64(1000 + i),
			Size:   int64(i * 10),
			Action: fsstate.ActionCreated,
		}
		states[i].MD4[0] = byte(i)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteAll(&buf, paths, states))

	gotPaths, gotStates, err := ReadAll(&buf)
	require.NoError(t, err)

	require.Equal(t, paths, gotPaths)
	for i := range states {
		assert.Equal(t, *states[i], *gotStates[i])
	}
}

func TestResetStartsFreshPrefix(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteRecord("users/alice/file.txt", &fsstate.FileState{Action: fsstate.ActionCreated}))
	w.Reset()
	require.NoError(t, w.WriteRecord("users/bob/file.txt", &fsstate.FileState{Action: fsstate.ActionCreated}))
	require.NoError(t, w.Flush())

	r := NewReader(&buf)
	p1, _, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, "users/alice/file.txt", p1)

	r.Reset()
	p2, _, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, "users/bob/file.txt", p2)
}

func TestReadAllOnEmptyStreamReturnsNoError(t *testing.T) {
	var buf bytes.Buffer
	_, _, err := ReadAll(&buf)
	require.NoError(t, err)
}
