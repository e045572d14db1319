package fexlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiHandlerFansOutToEveryHandler(t *testing.T) {
	var bufA, bufB bytes.Buffer
	h := newMultiHandler(
		slog.NewTextHandler(&bufA, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&bufB, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	logger := slog.New(h)
	logger.Info("hello")

	assert.Contains(t, bufA.String(), "hello")
	assert.Contains(t, bufB.String(), "hello")
}

func TestMultiHandlerRespectsPerHandlerLevel(t *testing.T) {
	var bufDebug, bufInfo bytes.Buffer
	h := newMultiHandler(
		slog.NewTextHandler(&bufDebug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&bufInfo, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	logger := slog.New(h)
	logger.Debug("quiet detail")

	assert.Contains(t, bufDebug.String(), "quiet detail")
	assert.Empty(t, bufInfo.String())
}

func TestMultiHandlerEnabledTrueIfAnyHandlerEnabled(t *testing.T) {
	h := newMultiHandler(
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug-10))
}

func TestMultiHandlerWithAttrsPropagatesToAllHandlers(t *testing.T) {
	var bufA, bufB bytes.Buffer
	h := newMultiHandler(
		slog.NewTextHandler(&bufA, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&bufB, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "test")})
	logger := slog.New(withAttrs)
	logger.Info("tagged")

	assert.Contains(t, bufA.String(), "component=test")
	assert.Contains(t, bufB.String(), "component=test")
}

func TestSetupWithoutLogFileReturnsNoopCloser(t *testing.T) {
	closer, err := Setup(Options{})
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.NoError(t, closer())
}
