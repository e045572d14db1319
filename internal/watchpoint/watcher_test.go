package watchpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDetectsNewFile(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	w, err := NewWatcher(wp)
	require.NoError(t, err)

	s := &fakeSession{id: "s1"}
	wp.AttachSession(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(wp.Dir(), "new.txt"), []byte("hi"), 0644))

	require.Eventually(t, func() bool {
		return len(s.changes) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"new.txt"}, s.changes)
}

func TestWatcherAddsWatchForNewSubdirectory(t *testing.T) {
	wp := newTestWatchPoint(t, Config{})
	w, err := NewWatcher(wp)
	require.NoError(t, err)

	s := &fakeSession{id: "s1"}
	wp.AttachSession(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	sub := filepath.Join(wp.Dir(), "sub")
	require.NoError(t, os.Mkdir(sub, 0755))

	require.Eventually(t, func() bool {
		return len(s.changes) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool {
		for _, c := range s.changes {
			if c == "sub/inner.txt" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
