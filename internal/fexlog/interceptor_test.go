package fexlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLineAddsSequenceAndTimestamp(t *testing.T) {
	var out bytes.Buffer
	ic := newLogInterceptor(&out)

	n, err := ic.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, len("hello\n"), n)

	got := out.String()
	assert.True(t, strings.Contains(got, "line=1"))
	assert.True(t, strings.Contains(got, "time="))
	assert.True(t, strings.HasSuffix(got, "hello\n"))
}

func TestWriteLineIncrementsSequencePerLine(t *testing.T) {
	var out bytes.Buffer
	ic := newLogInterceptor(&out)

	_, err := ic.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "line=1")
	assert.Contains(t, got, "line=2")
	assert.Contains(t, got, "first")
	assert.Contains(t, got, "second")
}

func TestCloseAfterFlushedWriteIsNoOp(t *testing.T) {
	var out bytes.Buffer
	ic := newLogInterceptor(&out)

	_, err := ic.Write([]byte("already flushed by write\n"))
	require.NoError(t, err)
	before := out.Len()

	require.NoError(t, ic.Close())

	// Write's own EOF-triggered flush already drained the buffer, so Close
	// on an already-empty backing buffer is a no-op.
	assert.Equal(t, before, out.Len())
}
