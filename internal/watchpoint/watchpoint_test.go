package watchpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fexd/fexd/internal/fsstate"
)

type fakeSession struct {
	id      string
	changes []fsstate.Path
	locks   []string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) OnChange(path fsstate.Path, state *fsstate.FileState) {
	s.changes = append(s.changes, path)
}

func (s *fakeSession) OnFileLock(path string, lockType LockType, heldByUs bool) {
	s.locks = append(s.locks, path)
}

func newTestWatchPoint(t *testing.T, cfg Config) *WatchPoint {
	t.Helper()
	cfg.Dir = t.TempDir()
	wp, err := New(cfg, t.TempDir())
	require.NoError(t, err)
	return wp
}

func TestNewCreatesTmpAndStateDirs(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	assert.DirExists(t, wp.TmpDir())
	assert.DirExists(t, wp.StateDir())
}

func TestIsValidPathExcludesSentinelTmp(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	assert.False(t, wp.IsValidPath("foo/.fextmp/bar"))
}

func TestIsValidPathExcludeGlob(t *testing.T) {
	wp := newTestWatchPoint(t, Config{Exclude: []string{"**/*.tmp"}})
	assert.False(t, wp.IsValidPath("a/b/file.tmp"))
	assert.True(t, wp.IsValidPath("a/b/file.txt"))
}

func TestIsValidPathIncludeGlobShortCircuitsExclude(t *testing.T) {
	wp := newTestWatchPoint(t, Config{
		Include: []string{"**/*.tmp"},
		Exclude: []string{"**/*.tmp"},
	})
	assert.True(t, wp.IsValidPath("a/file.tmp"))
}

func TestIsValidPathCachesResult(t *testing.T) {
	wp := newTestWatchPoint(t, Config{Exclude: []string{"**/*.tmp"}})
	assert.False(t, wp.IsValidPath("a.tmp"))
	// second call should hit the LRU cache path, same result.
	assert.False(t, wp.IsValidPath("a.tmp"))
}

func TestChangeSkipsSessionHoldingLock(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	wp.AttachSession(s1)
	wp.AttachSession(s2)
	wp.SetLockResolver(func(path string) (string, bool) {
		return "s1", true
	})

	wp.Change("file.txt", &fsstate.FileState{})

	assert.Empty(t, s1.changes)
	assert.Equal(t, []fsstate.Path{"file.txt"}, s2.changes)
}

func TestNotifyFileLockOnlyTargetsOneSession(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	wp.AttachSession(s1)
	wp.AttachSession(s2)

	wp.NotifyFileLock("file.txt", LockWrite, "s1", "")

	assert.Equal(t, []string{"file.txt"}, s1.locks)
	assert.Empty(t, s2.locks)
}

func TestNotifyFileLockBroadcastExceptBut(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	wp.AttachSession(s1)
	wp.AttachSession(s2)

	wp.NotifyFileLock("file.txt", LockWrite, "", "s1")

	assert.Empty(t, s1.locks)
	assert.Equal(t, []string{"file.txt"}, s2.locks)
}

func TestDetachSessionRemovesFromFanOut(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	s1 := &fakeSession{id: "s1"}
	wp.AttachSession(s1)
	wp.DetachSession("s1")

	wp.Change("file.txt", &fsstate.FileState{})
	assert.Empty(t, s1.changes)
}
